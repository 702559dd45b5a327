package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/geom"
)

// ErrClientStopped is returned by send methods after Stop.
var ErrClientStopped = errors.New("tcp: client stopped")

// pollInterval bounds how long the listener blocks before checking whether
// the client was stopped.
const pollInterval = 100 * time.Millisecond

// Handlers receive responses on the client's listener goroutine. Nil
// handlers are skipped. A handler must not block for long, since it delays
// every later response.
type Handlers struct {
	OnAddAgent        func(id uint64, st sim.AgentState, status protocol.Status)
	OnRemoveAgent     func(id uint64, status protocol.Status)
	OnAddSemaphore    func(id uint64, status protocol.Status)
	OnRemoveSemaphore func(id uint64, status protocol.Status)
	OnSignalSemaphore func(id uint64, status protocol.Status)
	OnGetSemaphores   func(ids []uint64, signaled []bool, status protocol.Status)
	OnMove            func(id uint64, status protocol.Status)
	OnTurn            func(id uint64, status protocol.Status)
	OnDoNothing       func(id uint64, status protocol.Status)
	OnGetMap          func(rows [][]sim.PatchState, status protocol.Status)
	OnGetAgentIDs     func(ids []uint64, status protocol.Status)
	OnGetAgentStates  func(ids []uint64, states []sim.AgentState, status protocol.Status)
	OnSetActive       func(id uint64, status protocol.Status)
	OnIsActive        func(id uint64, active bool, status protocol.Status)
	OnStep            func(ids []uint64, states []sim.AgentState, time uint64)
	// OnLostConnection fires once when the connection fails for any reason
	// other than Stop or RemoveClient.
	OnLostConnection func(err error)
}

// Session is what a reconnecting client gets back from the server.
type Session struct {
	Semaphores []uint64
	AgentIDs   []uint64
	Agents     []sim.AgentState
}

type Client struct {
	// ID is the server-assigned client id, kept for Reconnect.
	ID uint64
	// Config and Time are as of the handshake.
	Config sim.Config
	Time   uint64

	conn net.Conn
	br   *bufio.Reader
	h    Handlers

	wmu     sync.Mutex
	stopped atomic.Bool
	done    chan struct{}
}

// Dial connects as a new client.
func Dial(ctx context.Context, addr string, h Handlers) (*Client, error) {
	c, d, err := connect(ctx, addr, protocol.NewClientRequest, h)
	if err != nil {
		return nil, err
	}
	c.ID = d.u64()
	if d.err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("tcp: handshake: %w", d.err)
	}
	go c.listen()
	return c, nil
}

// Reconnect resumes an existing client and returns its agents and
// semaphores.
func Reconnect(ctx context.Context, addr string, clientID uint64, h Handlers) (*Client, Session, error) {
	if clientID == protocol.NewClientRequest {
		return nil, Session{}, errors.New("tcp: reconnect needs an issued client id")
	}
	c, d, err := connect(ctx, addr, clientID, h)
	if err != nil {
		return nil, Session{}, err
	}
	var sess Session
	sess.Semaphores = d.u64s()
	sess.AgentIDs, sess.Agents = d.agentStates()
	if d.err != nil {
		_ = c.conn.Close()
		return nil, Session{}, fmt.Errorf("tcp: handshake: %w", d.err)
	}
	c.ID = clientID
	go c.listen()
	return c, sess, nil
}

// connect dials, sends the client id and reads the common handshake prefix.
func connect(ctx context.Context, addr string, id uint64, h Handlers) (*Client, *decoder, error) {
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	c := &Client{conn: nc, br: bufio.NewReader(nc), h: h, done: make(chan struct{})}

	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	} else {
		_ = nc.SetDeadline(time.Now().Add(writeTimeout))
	}
	e := &encoder{}
	e.u64(id)
	if _, err := nc.Write(e.buf); err != nil {
		_ = nc.Close()
		return nil, nil, err
	}
	d := newDecoder(c.br)
	status := d.status()
	if d.err != nil {
		_ = nc.Close()
		return nil, nil, fmt.Errorf("tcp: handshake: %w", d.err)
	}
	if status != protocol.OK {
		_ = nc.Close()
		return nil, nil, fmt.Errorf("tcp: handshake: %w", status)
	}
	c.Time = d.u64()
	c.Config = d.config()
	if d.err != nil {
		_ = nc.Close()
		return nil, nil, fmt.Errorf("tcp: handshake: %w", d.err)
	}
	_ = nc.SetDeadline(time.Time{})
	return c, d, nil
}

// Done is closed when the listener goroutine exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Stop closes the connection without telling the server, so the client can
// reconnect later. It waits for the listener to exit.
func (c *Client) Stop() error {
	c.stopped.Store(true)
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) send(e *encoder) error {
	if c.stopped.Load() {
		return ErrClientStopped
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(e.buf)
	return err
}

func (c *Client) AddAgent() error { return c.send(newMessage(protocol.AddAgent)) }

func (c *Client) RemoveAgent(id uint64) error {
	e := newMessage(protocol.RemoveAgent)
	e.u64(id)
	return c.send(e)
}

// RemoveClient asks the server to delete this client with all its agents and
// semaphores. The server then closes the connection and the client stops.
func (c *Client) RemoveClient() error {
	err := c.send(newMessage(protocol.RemoveClient))
	if err == nil {
		c.stopped.Store(true)
	}
	return err
}

func (c *Client) AddSemaphore() error { return c.send(newMessage(protocol.AddSemaphore)) }

func (c *Client) RemoveSemaphore(id uint64) error {
	e := newMessage(protocol.RemoveSemaphore)
	e.u64(id)
	return c.send(e)
}

func (c *Client) SignalSemaphore(id uint64) error {
	e := newMessage(protocol.SignalSemaphore)
	e.u64(id)
	return c.send(e)
}

func (c *Client) GetSemaphores() error { return c.send(newMessage(protocol.GetSemaphores)) }

func (c *Client) Move(id uint64, dir geom.Direction, steps uint32) error {
	e := newMessage(protocol.Move)
	e.u64(id)
	e.direction(dir)
	e.u32(steps)
	return c.send(e)
}

func (c *Client) Turn(id uint64, dir geom.Direction) error {
	e := newMessage(protocol.Turn)
	e.u64(id)
	e.direction(dir)
	return c.send(e)
}

func (c *Client) DoNothing(id uint64) error {
	e := newMessage(protocol.DoNothing)
	e.u64(id)
	return c.send(e)
}

func (c *Client) GetMap(bl, tr geom.Position, scent, vision bool) error {
	e := newMessage(protocol.GetMap)
	e.position(bl)
	e.position(tr)
	e.boolean(scent)
	e.boolean(vision)
	return c.send(e)
}

func (c *Client) GetAgentIDs() error { return c.send(newMessage(protocol.GetAgentIDs)) }

func (c *Client) GetAgentStates(ids []uint64) error {
	e := newMessage(protocol.GetAgentStates)
	e.u64s(ids)
	return c.send(e)
}

func (c *Client) SetActive(id uint64, active bool) error {
	e := newMessage(protocol.SetActive)
	e.u64(id)
	e.boolean(active)
	return c.send(e)
}

func (c *Client) IsActive(id uint64) error {
	e := newMessage(protocol.IsActive)
	e.u64(id)
	return c.send(e)
}

func (c *Client) listen() {
	defer close(c.done)
	defer c.conn.Close()
	d := newDecoder(c.br)
	for {
		// Only the wait for the next tag is bounded; a message that has
		// started arriving is read to the end.
		_ = c.conn.SetReadDeadline(time.Now().Add(pollInterval))
		_, err := c.br.Peek(1)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !c.stopped.Load() {
				continue
			}
			c.lost(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Time{})
		if err := c.dispatch(d); err != nil {
			c.lost(err)
			return
		}
	}
}

func (c *Client) lost(err error) {
	if c.stopped.Load() {
		return
	}
	c.stopped.Store(true)
	if c.h.OnLostConnection != nil {
		c.h.OnLostConnection(err)
	}
}

func (c *Client) dispatch(d *decoder) error {
	t := d.messageType()
	if d.err != nil {
		return d.err
	}
	switch t {
	case protocol.AddAgentResponse:
		status := d.status()
		var id uint64
		var st sim.AgentState
		if status == protocol.OK {
			id = d.u64()
			st = d.agentState()
		}
		if d.err == nil && c.h.OnAddAgent != nil {
			c.h.OnAddAgent(id, st, status)
		}
	case protocol.RemoveAgentResponse, protocol.MoveResponse, protocol.TurnResponse,
		protocol.DoNothingResponse, protocol.SetActiveResponse,
		protocol.RemoveSemaphoreResponse, protocol.SignalSemaphoreResponse:
		id := d.u64()
		status := d.status()
		if d.err == nil {
			if fn := c.idStatusHandler(t); fn != nil {
				fn(id, status)
			}
		}
	case protocol.AddSemaphoreResponse:
		status := d.status()
		var id uint64
		if status == protocol.OK {
			id = d.u64()
		}
		if d.err == nil && c.h.OnAddSemaphore != nil {
			c.h.OnAddSemaphore(id, status)
		}
	case protocol.GetSemaphoresResponse:
		status := d.status()
		var ids []uint64
		var signaled []bool
		if status == protocol.OK {
			n := d.length()
			ids = d.fixedU64s(n)
			signaled = readArray(d, n, d.boolean)
		}
		if d.err == nil && c.h.OnGetSemaphores != nil {
			c.h.OnGetSemaphores(ids, signaled, status)
		}
	case protocol.GetMapResponse:
		status := d.status()
		var rows [][]sim.PatchState
		if status == protocol.OK {
			rows = d.patchRows()
		}
		if d.err == nil && c.h.OnGetMap != nil {
			c.h.OnGetMap(rows, status)
		}
	case protocol.GetAgentIDsResponse:
		status := d.status()
		var ids []uint64
		if status == protocol.OK {
			ids = d.u64s()
		}
		if d.err == nil && c.h.OnGetAgentIDs != nil {
			c.h.OnGetAgentIDs(ids, status)
		}
	case protocol.GetAgentStatesResponse:
		status := d.status()
		var ids []uint64
		var states []sim.AgentState
		if status == protocol.OK {
			ids, states = d.agentStates()
		}
		if d.err == nil && c.h.OnGetAgentStates != nil {
			c.h.OnGetAgentStates(ids, states, status)
		}
	case protocol.IsActiveResponse:
		id := d.u64()
		status := d.status()
		active := false
		if status == protocol.OK {
			active = d.boolean()
		}
		if d.err == nil && c.h.OnIsActive != nil {
			c.h.OnIsActive(id, active, status)
		}
	case protocol.StepResponse:
		ids, states := d.agentStates()
		now := d.u64()
		if d.err == nil && c.h.OnStep != nil {
			c.h.OnStep(ids, states, now)
		}
	default:
		return fmt.Errorf("tcp: unexpected message type %s", t)
	}
	if d.err != nil {
		return fmt.Errorf("tcp: %s: %w", t, d.err)
	}
	return nil
}

func (c *Client) idStatusHandler(t protocol.MessageType) func(uint64, protocol.Status) {
	switch t {
	case protocol.RemoveAgentResponse:
		return c.h.OnRemoveAgent
	case protocol.MoveResponse:
		return c.h.OnMove
	case protocol.TurnResponse:
		return c.h.OnTurn
	case protocol.DoNothingResponse:
		return c.h.OnDoNothing
	case protocol.SetActiveResponse:
		return c.h.OnSetActive
	case protocol.RemoveSemaphoreResponse:
		return c.h.OnRemoveSemaphore
	case protocol.SignalSemaphoreResponse:
		return c.h.OnSignalSemaphore
	}
	return nil
}
