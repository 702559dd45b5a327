package tcp

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/geom"
)

const writeTimeout = 5 * time.Second

var errOutboxFull = errors.New("tcp: outbox full, dropping connection")

type Options struct {
	// Workers bounds how many requests are handled at once across all
	// connections. Each connection's requests are still handled in order.
	Workers int
	// Outbox is the number of messages queued per connection. A connection
	// that falls this far behind is closed; its client may reconnect.
	Outbox             int
	DefaultPermissions protocol.Permissions
	// ReadTimeout drops a connection that sends nothing for this long.
	// Zero disables it.
	ReadTimeout time.Duration
	Logger      *log.Logger
}

// clientState outlives connections so a client can reconnect and resume its
// agents.
type clientState struct {
	mu         sync.Mutex
	perms      protocol.Permissions
	agents     []uint64
	semaphores []uint64
}

func (cs *clientState) owns(list []uint64, id uint64) bool {
	_, ok := slices.BinarySearch(list, id)
	return ok
}

func insertSorted(list []uint64, id uint64) []uint64 {
	i, ok := slices.BinarySearch(list, id)
	if ok {
		return list
	}
	return slices.Insert(list, i, id)
}

func removeSorted(list []uint64, id uint64) []uint64 {
	i, ok := slices.BinarySearch(list, id)
	if !ok {
		return list
	}
	return slices.Delete(list, i, i+1)
}

// conn queues outgoing messages for its writer goroutine, so nothing that
// holds the simulator lock ever waits on a socket.
type conn struct {
	net.Conn
	clientID uint64

	mu     sync.Mutex
	closed bool
	out    chan []byte
	done   chan struct{}
}

func newConn(nc net.Conn, outbox int) *conn {
	return &conn{Conn: nc, out: make(chan []byte, outbox), done: make(chan struct{})}
}

// write sends b directly. Only the handshake and the writer use it.
func (c *conn) write(b []byte) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.Write(b)
	return err
}

// send queues b without blocking. A full queue closes the connection.
func (c *conn) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	select {
	case c.out <- b:
		return nil
	default:
		c.closeOutboxLocked()
		_ = c.Close()
		return errOutboxFull
	}
}

func (c *conn) closeOutbox() {
	c.mu.Lock()
	c.closeOutboxLocked()
	c.mu.Unlock()
}

func (c *conn) closeOutboxLocked() {
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// writeLoop drains the queue until it is closed. After a write error the
// socket is closed and the rest of the queue is discarded.
func (c *conn) writeLoop() {
	defer close(c.done)
	var failed bool
	for b := range c.out {
		if failed {
			continue
		}
		if err := c.write(b); err != nil {
			failed = true
			_ = c.Close()
		}
	}
}

type Stats struct {
	Connections  int
	Clients      int
	Handled      uint64
	StepsSent    uint64
	StepFailures uint64
}

// Server mediates many clients' requests against one simulator. Lock order
// is simulator, then server, then client state, then agent. Handlers never
// hold server or client locks across a simulator call, since any action may
// step the simulator and re-enter BroadcastStep.
type Server struct {
	sim  *sim.Simulator
	opts Options
	log  *log.Logger

	mu           sync.Mutex
	clients      map[uint64]*clientState
	nextClientID uint64

	connMu   sync.Mutex
	conns    map[*conn]struct{}
	ln       net.Listener
	stopping bool

	slots chan struct{}
	wg    sync.WaitGroup

	handled      atomic.Uint64
	stepsSent    atomic.Uint64
	stepFailures atomic.Uint64
}

func NewServer(s *sim.Simulator, opts Options) *Server {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Outbox <= 0 {
		opts.Outbox = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		sim:          s,
		opts:         opts,
		log:          logger,
		clients:      map[uint64]*clientState{},
		nextClientID: 1,
		conns:        map[*conn]struct{}{},
		slots:        make(chan struct{}, opts.Workers),
	}
}

// Serve accepts connections until ctx is done or Shutdown is called. It
// returns nil on a requested stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.connMu.Lock()
	if s.stopping {
		s.connMu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.connMu.Unlock()

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.connMu.Lock()
			stopping := s.stopping
			s.connMu.Unlock()
			if stopping {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.connMu.Lock()
		if s.stopping {
			s.connMu.Unlock()
			_ = nc.Close()
			return nil
		}
		s.wg.Add(1)
		s.connMu.Unlock()
		go s.serveConn(nc)
	}
}

// Shutdown closes the listener and every connection, then waits for the
// connection goroutines to exit. Client states are kept.
func (s *Server) Shutdown() {
	s.connMu.Lock()
	if s.stopping {
		s.connMu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopping = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

func (s *Server) Stats() Stats {
	s.connMu.Lock()
	nconn := len(s.conns)
	s.connMu.Unlock()
	s.mu.Lock()
	nclients := len(s.clients)
	s.mu.Unlock()
	return Stats{
		Connections:  nconn,
		Clients:      nclients,
		Handled:      s.handled.Load(),
		StepsSent:    s.stepsSent.Load(),
		StepFailures: s.stepFailures.Load(),
	}
}

// lockClient returns the client's state locked, or nil if it was removed.
func (s *Server) lockClient(id uint64) *clientState {
	s.mu.Lock()
	cs := s.clients[id]
	if cs != nil {
		cs.mu.Lock()
	}
	s.mu.Unlock()
	return cs
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	br := bufio.NewReader(nc)
	c, err := s.handshake(nc, br)
	if err != nil {
		s.log.Printf("tcp: handshake from %s: %v", nc.RemoteAddr(), err)
		return
	}

	go c.writeLoop()
	defer func() {
		// Flush queued responses before the deferred close.
		c.closeOutbox()
		<-c.done
	}()

	s.connMu.Lock()
	if s.stopping {
		s.connMu.Unlock()
		return
	}
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, c)
		s.connMu.Unlock()
	}()

	d := newDecoder(br)
	for {
		if s.opts.ReadTimeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		t := d.messageType()
		if d.err != nil {
			return
		}
		_ = nc.SetReadDeadline(time.Time{})

		s.slots <- struct{}{}
		keep, err := s.dispatch(c, t, d)
		<-s.slots
		s.handled.Add(1)
		if err != nil {
			s.log.Printf("tcp: client %d: %s: %v", c.clientID, t, err)
			return
		}
		if !keep {
			return
		}
	}
}

func (s *Server) handshake(nc net.Conn, br *bufio.Reader) (*conn, error) {
	_ = nc.SetReadDeadline(time.Now().Add(writeTimeout))
	d := newDecoder(br)
	id := d.u64()
	_ = nc.SetReadDeadline(time.Time{})
	c := newConn(nc, s.opts.Outbox)
	if d.err != nil {
		e := &encoder{}
		e.status(protocol.ServerParseMessageError)
		_ = c.write(e.buf)
		return nil, d.err
	}

	e := &encoder{}
	if id == protocol.NewClientRequest {
		s.mu.Lock()
		id = s.nextClientID
		s.nextClientID++
		s.clients[id] = &clientState{perms: s.opts.DefaultPermissions}
		s.mu.Unlock()

		e.status(protocol.OK)
		e.u64(s.sim.Time())
		e.config(s.sim.Config())
		e.u64(id)
		c.clientID = id
		return c, c.write(e.buf)
	}

	cs := s.lockClient(id)
	if cs == nil {
		e.status(protocol.InvalidAgentID)
		_ = c.write(e.buf)
		return nil, fmt.Errorf("unknown client id %d", id)
	}
	agents := slices.Clone(cs.agents)
	semaphores := slices.Clone(cs.semaphores)
	cs.mu.Unlock()

	ids, states, _ := s.sim.GetAgentStates(agents)
	e.status(protocol.OK)
	e.u64(s.sim.Time())
	e.config(s.sim.Config())
	e.u64s(semaphores)
	e.agentStates(ids, states)
	c.clientID = id
	return c, c.write(e.buf)
}

// dispatch reads the payload for t and handles it. keep is false when the
// connection should be closed without error.
func (s *Server) dispatch(c *conn, t protocol.MessageType, d *decoder) (keep bool, err error) {
	switch t {
	case protocol.AddAgent:
		return true, s.handleAddAgent(c)
	case protocol.RemoveAgent:
		id := d.u64()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleRemoveAgent(c, id)
	case protocol.RemoveClient:
		s.handleRemoveClient(c)
		return false, nil
	case protocol.AddSemaphore:
		return true, s.handleAddSemaphore(c)
	case protocol.RemoveSemaphore, protocol.SignalSemaphore:
		id := d.u64()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleSemaphore(c, t, id)
	case protocol.GetSemaphores:
		return true, s.handleGetSemaphores(c)
	case protocol.Move:
		id := d.u64()
		dir := d.direction()
		steps := d.u32()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleAction(c, protocol.MoveResponse, id, func() protocol.Status {
			return s.sim.Move(id, dir, steps)
		})
	case protocol.Turn:
		id := d.u64()
		dir := d.direction()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleAction(c, protocol.TurnResponse, id, func() protocol.Status {
			return s.sim.Turn(id, dir)
		})
	case protocol.DoNothing:
		id := d.u64()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleAction(c, protocol.DoNothingResponse, id, func() protocol.Status {
			return s.sim.DoNothing(id)
		})
	case protocol.GetMap:
		bl := d.position()
		tr := d.position()
		scent := d.boolean()
		vision := d.boolean()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleGetMap(c, bl, tr, scent, vision)
	case protocol.GetAgentIDs:
		return true, s.handleGetAgentIDs(c)
	case protocol.GetAgentStates:
		ids := d.u64s()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleGetAgentStates(c, ids)
	case protocol.SetActive:
		id := d.u64()
		active := d.boolean()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleSetActive(c, id, active)
	case protocol.IsActive:
		id := d.u64()
		if d.err != nil {
			return false, d.err
		}
		return true, s.handleIsActive(c, id)
	}
	return false, fmt.Errorf("unexpected message type %s", t)
}

func (s *Server) handleAddAgent(c *conn) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	allowed := cs.perms.AddAgent
	cs.mu.Unlock()

	e := newMessage(protocol.AddAgentResponse)
	if !allowed {
		e.status(protocol.PermissionError)
		return c.send(e.buf)
	}

	id, st, status := s.sim.AddAgent()
	if status == protocol.OK {
		cs = s.lockClient(c.clientID)
		if cs == nil {
			s.sim.RemoveAgent(id)
			return nil
		}
		cs.agents = insertSorted(cs.agents, id)
		cs.mu.Unlock()
	}
	e.status(status.OverWire())
	if status == protocol.OK {
		e.u64(id)
		e.agentState(st)
	}
	return c.send(e.buf)
}

func (s *Server) handleRemoveAgent(c *conn, id uint64) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	status := protocol.OK
	switch {
	case !cs.perms.RemoveAgent:
		status = protocol.PermissionError
	case id == 0 || !cs.owns(cs.agents, id):
		status = protocol.InvalidAgentID
	}
	cs.mu.Unlock()

	if status == protocol.OK {
		status = s.sim.RemoveAgent(id)
		if status == protocol.OK {
			if cs = s.lockClient(c.clientID); cs == nil {
				return nil
			}
			cs.agents = removeSorted(cs.agents, id)
			cs.mu.Unlock()
		}
	}
	e := newMessage(protocol.RemoveAgentResponse)
	e.u64(id)
	e.status(status.OverWire())
	return c.send(e.buf)
}

// handleRemoveClient tears down the client's agents and semaphores. Without
// permission the connection is simply dropped.
func (s *Server) handleRemoveClient(c *conn) {
	s.mu.Lock()
	cs := s.clients[c.clientID]
	if cs == nil {
		s.mu.Unlock()
		return
	}
	cs.mu.Lock()
	if !cs.perms.RemoveClient {
		cs.mu.Unlock()
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.clientID)
	agents, semaphores := cs.agents, cs.semaphores
	cs.agents, cs.semaphores = nil, nil
	cs.mu.Unlock()
	s.mu.Unlock()

	for _, id := range agents {
		if status := s.sim.RemoveAgent(id); status != protocol.OK {
			s.log.Printf("tcp: remove client %d: agent %d: %s", c.clientID, id, status)
		}
	}
	for _, id := range semaphores {
		if status := s.sim.RemoveSemaphore(id); status != protocol.OK {
			s.log.Printf("tcp: remove client %d: semaphore %d: %s", c.clientID, id, status)
		}
	}
}

func (s *Server) handleAddSemaphore(c *conn) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	allowed := cs.perms.ManageSemaphores
	cs.mu.Unlock()

	e := newMessage(protocol.AddSemaphoreResponse)
	if !allowed {
		e.status(protocol.PermissionError)
		return c.send(e.buf)
	}
	id, status := s.sim.AddSemaphore()
	if status == protocol.OK {
		cs = s.lockClient(c.clientID)
		if cs == nil {
			s.sim.RemoveSemaphore(id)
			return nil
		}
		cs.semaphores = insertSorted(cs.semaphores, id)
		cs.mu.Unlock()
	}
	e.status(status.OverWire())
	if status == protocol.OK {
		e.u64(id)
	}
	return c.send(e.buf)
}

func (s *Server) handleSemaphore(c *conn, t protocol.MessageType, id uint64) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	status := protocol.OK
	switch {
	case !cs.perms.ManageSemaphores:
		status = protocol.PermissionError
	case id == 0 || !cs.owns(cs.semaphores, id):
		status = protocol.InvalidSemaphoreID
	}
	cs.mu.Unlock()

	resp := protocol.SignalSemaphoreResponse
	if t == protocol.RemoveSemaphore {
		resp = protocol.RemoveSemaphoreResponse
	}
	if status == protocol.OK {
		if t == protocol.RemoveSemaphore {
			status = s.sim.RemoveSemaphore(id)
			if status == protocol.OK {
				if cs = s.lockClient(c.clientID); cs == nil {
					return nil
				}
				cs.semaphores = removeSorted(cs.semaphores, id)
				cs.mu.Unlock()
			}
		} else {
			status = s.sim.SignalSemaphore(id)
		}
	}
	e := newMessage(resp)
	e.u64(id)
	e.status(status.OverWire())
	return c.send(e.buf)
}

func (s *Server) handleGetSemaphores(c *conn) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	allowed := cs.perms.GetSemaphores
	cs.mu.Unlock()

	e := newMessage(protocol.GetSemaphoresResponse)
	if !allowed {
		e.status(protocol.PermissionError)
		return c.send(e.buf)
	}
	sems := s.sim.Semaphores()
	ids := make([]uint64, 0, len(sems))
	for id := range sems {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	e.status(protocol.OK)
	e.u64(uint64(len(ids)))
	for _, id := range ids {
		e.u64(id)
	}
	for _, id := range ids {
		e.boolean(sems[id])
	}
	return c.send(e.buf)
}

// handleAction covers the per-agent actions that need ownership but no
// permission bit.
func (s *Server) handleAction(c *conn, resp protocol.MessageType, id uint64, act func() protocol.Status) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	owned := id != 0 && cs.owns(cs.agents, id)
	cs.mu.Unlock()

	status := protocol.InvalidAgentID
	if owned {
		status = act()
	}
	e := newMessage(resp)
	e.u64(id)
	e.status(status.OverWire())
	return c.send(e.buf)
}

func (s *Server) handleGetMap(c *conn, bl, tr geom.Position, scent, vision bool) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	allowed := cs.perms.GetMap
	cs.mu.Unlock()

	e := newMessage(protocol.GetMapResponse)
	if !allowed {
		e.status(protocol.PermissionError)
		return c.send(e.buf)
	}
	rows, status := s.sim.GetMap(bl, tr, scent, vision)
	e.status(status.OverWire())
	if status == protocol.OK {
		e.patchRows(rows)
	}
	return c.send(e.buf)
}

func (s *Server) handleGetAgentIDs(c *conn) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	allowed := cs.perms.GetAgentIDs
	cs.mu.Unlock()

	e := newMessage(protocol.GetAgentIDsResponse)
	if !allowed {
		e.status(protocol.PermissionError)
		return c.send(e.buf)
	}
	e.status(protocol.OK)
	e.u64s(s.sim.GetAgentIDs())
	return c.send(e.buf)
}

func (s *Server) handleGetAgentStates(c *conn, ids []uint64) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	allowed := cs.perms.GetAgentStates
	cs.mu.Unlock()

	e := newMessage(protocol.GetAgentStatesResponse)
	if !allowed {
		e.status(protocol.PermissionError)
		return c.send(e.buf)
	}
	found, states, status := s.sim.GetAgentStates(ids)
	e.status(status.OverWire())
	if status == protocol.OK {
		e.agentStates(found, states)
	}
	return c.send(e.buf)
}

func (s *Server) handleSetActive(c *conn, id uint64, active bool) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	status := protocol.OK
	switch {
	case !cs.perms.SetActive:
		status = protocol.PermissionError
	case id == 0 || !cs.owns(cs.agents, id):
		status = protocol.InvalidAgentID
	}
	cs.mu.Unlock()

	if status == protocol.OK {
		status = s.sim.SetAgentActive(id, active)
	}
	e := newMessage(protocol.SetActiveResponse)
	e.u64(id)
	e.status(status.OverWire())
	return c.send(e.buf)
}

func (s *Server) handleIsActive(c *conn, id uint64) error {
	cs := s.lockClient(c.clientID)
	if cs == nil {
		return nil
	}
	owned := id != 0 && cs.owns(cs.agents, id)
	cs.mu.Unlock()

	status := protocol.InvalidAgentID
	active := false
	if owned {
		active, status = s.sim.IsAgentActive(id)
	}
	e := newMessage(protocol.IsActiveResponse)
	e.u64(id)
	e.status(status.OverWire())
	if status == protocol.OK {
		e.boolean(active)
	}
	return c.send(e.buf)
}

// BroadcastStep queues for every connection the new states of its client's
// agents followed by the new time. It runs as the simulator's step callback,
// so the simulator lock is held; it only takes server, client, connection
// and agent locks and never waits on a socket. A connection whose queue is
// full is dropped.
func (s *Server) BroadcastStep(agents map[uint64]*sim.Agent, t uint64) {
	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		cs := s.lockClient(c.clientID)
		if cs == nil {
			continue
		}
		ids := make([]uint64, 0, len(cs.agents))
		states := make([]sim.AgentState, 0, len(cs.agents))
		for _, id := range cs.agents {
			a, ok := agents[id]
			if !ok {
				continue
			}
			ids = append(ids, id)
			states = append(states, a.State())
		}
		cs.mu.Unlock()

		e := newMessage(protocol.StepResponse)
		e.agentStates(ids, states)
		e.u64(t)
		if err := c.send(e.buf); err != nil {
			s.stepFailures.Add(1)
			s.log.Printf("tcp: step %d to client %d: %v", t, c.clientID, err)
			continue
		}
		s.stepsSent.Add(1)
	}
}

// ClientRecord is the persisted form of one client's ownership.
type ClientRecord struct {
	ID          uint64               `json:"id"`
	Permissions protocol.Permissions `json:"permissions"`
	Agents      []uint64             `json:"agents"`
	Semaphores  []uint64             `json:"semaphores"`
}

// State lets clients reconnect to a server restored from a snapshot.
type State struct {
	NextClientID uint64         `json:"next_client_id"`
	Clients      []ClientRecord `json:"clients"`
}

func (s *Server) Export() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{NextClientID: s.nextClientID}
	for id, cs := range s.clients {
		cs.mu.Lock()
		st.Clients = append(st.Clients, ClientRecord{
			ID:          id,
			Permissions: cs.perms,
			Agents:      slices.Clone(cs.agents),
			Semaphores:  slices.Clone(cs.semaphores),
		})
		cs.mu.Unlock()
	}
	slices.SortFunc(st.Clients, func(a, b ClientRecord) int { return cmp.Compare(a.ID, b.ID) })
	return st
}

// Restore replaces the client table. Call it before Serve.
func (s *Server) Restore(st State) error {
	clients := make(map[uint64]*clientState, len(st.Clients))
	for _, rec := range st.Clients {
		if rec.ID == protocol.NewClientRequest || rec.ID >= st.NextClientID {
			return fmt.Errorf("tcp: client id %d outside issued range", rec.ID)
		}
		if _, dup := clients[rec.ID]; dup {
			return fmt.Errorf("tcp: duplicate client id %d", rec.ID)
		}
		cs := &clientState{
			perms:      rec.Permissions,
			agents:     slices.Clone(rec.Agents),
			semaphores: slices.Clone(rec.Semaphores),
		}
		slices.Sort(cs.agents)
		slices.Sort(cs.semaphores)
		clients[rec.ID] = cs
	}
	s.mu.Lock()
	s.clients = clients
	s.nextClientID = max(st.NextClientID, 1)
	s.mu.Unlock()
	return nil
}

// SetPermissions changes a known client's permissions.
func (s *Server) SetPermissions(clientID uint64, p protocol.Permissions) bool {
	cs := s.lockClient(clientID)
	if cs == nil {
		return false
	}
	cs.perms = p
	cs.mu.Unlock()
	return true
}
