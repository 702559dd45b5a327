package tcp

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/geom"
)

type idStatus struct {
	id     uint64
	status protocol.Status
}

type addResp struct {
	id     uint64
	state  sim.AgentState
	status protocol.Status
}

type stepMsg struct {
	ids    []uint64
	states []sim.AgentState
	time   uint64
}

type statesResp struct {
	ids    []uint64
	states []sim.AgentState
	status protocol.Status
}

type mapResp struct {
	rows   [][]sim.PatchState
	status protocol.Status
}

type semsResp struct {
	ids      []uint64
	signaled []bool
	status   protocol.Status
}

// recorder turns handler callbacks into channels the test can wait on.
type recorder struct {
	adds    chan addResp
	removes chan idStatus
	moves   chan idStatus
	turns   chan idStatus
	noops   chan idStatus
	actives chan idStatus
	addSems chan idStatus
	signals chan idStatus
	sems    chan semsResp
	ids     chan statesResp
	states  chan statesResp
	maps    chan mapResp
	steps   chan stepMsg
	lost    chan error
}

func newRecorder() *recorder {
	return &recorder{
		adds:    make(chan addResp, 16),
		removes: make(chan idStatus, 16),
		moves:   make(chan idStatus, 16),
		turns:   make(chan idStatus, 16),
		noops:   make(chan idStatus, 16),
		actives: make(chan idStatus, 16),
		addSems: make(chan idStatus, 16),
		signals: make(chan idStatus, 16),
		sems:    make(chan semsResp, 16),
		ids:     make(chan statesResp, 16),
		states:  make(chan statesResp, 16),
		maps:    make(chan mapResp, 16),
		steps:   make(chan stepMsg, 64),
		lost:    make(chan error, 1),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnAddAgent: func(id uint64, st sim.AgentState, status protocol.Status) {
			r.adds <- addResp{id, st, status}
		},
		OnRemoveAgent:     func(id uint64, s protocol.Status) { r.removes <- idStatus{id, s} },
		OnMove:            func(id uint64, s protocol.Status) { r.moves <- idStatus{id, s} },
		OnTurn:            func(id uint64, s protocol.Status) { r.turns <- idStatus{id, s} },
		OnDoNothing:       func(id uint64, s protocol.Status) { r.noops <- idStatus{id, s} },
		OnSetActive:       func(id uint64, s protocol.Status) { r.actives <- idStatus{id, s} },
		OnAddSemaphore:    func(id uint64, s protocol.Status) { r.addSems <- idStatus{id, s} },
		OnSignalSemaphore: func(id uint64, s protocol.Status) { r.signals <- idStatus{id, s} },
		OnGetSemaphores: func(ids []uint64, signaled []bool, s protocol.Status) {
			r.sems <- semsResp{ids, signaled, s}
		},
		OnGetAgentIDs: func(ids []uint64, s protocol.Status) { r.ids <- statesResp{ids: ids, status: s} },
		OnGetAgentStates: func(ids []uint64, states []sim.AgentState, s protocol.Status) {
			r.states <- statesResp{ids, states, s}
		},
		OnGetMap: func(rows [][]sim.PatchState, s protocol.Status) { r.maps <- mapResp{rows, s} },
		OnStep: func(ids []uint64, states []sim.AgentState, t uint64) {
			r.steps <- stepMsg{ids, states, t}
		},
		OnLostConnection: func(err error) { r.lost <- err },
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func startServer(t *testing.T, perms protocol.Permissions) (*sim.Simulator, *Server, string) {
	t.Helper()
	s, err := sim.New(testConfig(), 1, nil, quiet())
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	srv := NewServer(s, Options{Workers: 4, DefaultPermissions: perms, Logger: quiet()})
	s.SetStepCallback(func(_ *sim.Simulator, agents map[uint64]*sim.Agent, now uint64) {
		srv.BroadcastStep(agents, now)
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		srv.Shutdown()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return s, srv, ln.Addr().String()
}

func dial(t *testing.T, addr string, r *recorder) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, r.handlers())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func addAgent(t *testing.T, c *Client, r *recorder) uint64 {
	t.Helper()
	if err := c.AddAgent(); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	resp := recv(t, r.adds)
	if resp.status != protocol.OK || resp.id == 0 {
		t.Fatalf("add agent response: %+v", resp)
	}
	return resp.id
}

func TestServer_HandshakeSendsConfig(t *testing.T) {
	_, _, addr := startServer(t, protocol.GrantAll())
	r := newRecorder()
	c := dial(t, addr, r)
	if c.ID != 1 {
		t.Fatalf("first client id = %d, want 1", c.ID)
	}
	if !c.Config.SameParameters(testConfig()) {
		t.Fatalf("handshake config differs from the server's")
	}
	c2 := dial(t, addr, newRecorder())
	if c2.ID != 2 {
		t.Fatalf("second client id = %d, want 2", c2.ID)
	}
}

func TestServer_MoveStepsAndBroadcasts(t *testing.T) {
	_, _, addr := startServer(t, protocol.GrantAll())
	r := newRecorder()
	c := dial(t, addr, r)
	id := addAgent(t, c, r)

	if err := c.Move(id, geom.Up, 1); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if resp := recv(t, r.moves); resp.id != id || resp.status != protocol.OK {
		t.Fatalf("move response: %+v", resp)
	}
	step := recv(t, r.steps)
	if step.time != 1 || len(step.ids) != 1 || step.ids[0] != id {
		t.Fatalf("step: %+v", step)
	}
	if got := step.states[0].Position; got != geom.Pos(0, 1) {
		t.Fatalf("position after step = %v, want (0, 1)", got)
	}

	if err := c.Move(id, geom.Up, 5); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if resp := recv(t, r.moves); resp.status != protocol.PermissionError {
		t.Fatalf("oversized move: %+v", resp)
	}
	if err := c.Turn(id, geom.Up); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if resp := recv(t, r.turns); resp.status != protocol.PermissionError {
		t.Fatalf("disallowed turn: %+v", resp)
	}
	if err := c.DoNothing(id); err != nil {
		t.Fatalf("DoNothing: %v", err)
	}
	if resp := recv(t, r.noops); resp.status != protocol.OK {
		t.Fatalf("do nothing: %+v", resp)
	}
	if step := recv(t, r.steps); step.time != 2 {
		t.Fatalf("second step time = %d", step.time)
	}
}

func TestServer_PermissionChecksComeFirst(t *testing.T) {
	_, _, addr := startServer(t, protocol.DenyAll())
	r := newRecorder()
	c := dial(t, addr, r)

	if err := c.AddAgent(); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if resp := recv(t, r.adds); resp.status != protocol.PermissionError {
		t.Fatalf("add agent: %+v", resp)
	}
	if err := c.RemoveAgent(77); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if resp := recv(t, r.removes); resp.status != protocol.PermissionError || resp.id != 77 {
		t.Fatalf("remove agent: %+v", resp)
	}
	if err := c.GetMap(geom.Pos(0, 0), geom.Pos(1, 1), true, true); err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if resp := recv(t, r.maps); resp.status != protocol.PermissionError {
		t.Fatalf("get map: %+v", resp)
	}
	if err := c.GetAgentStates([]uint64{1}); err != nil {
		t.Fatalf("GetAgentStates: %v", err)
	}
	if resp := recv(t, r.states); resp.status != protocol.PermissionError {
		t.Fatalf("get agent states: %+v", resp)
	}
	// Actions need ownership only.
	if err := c.Move(3, geom.Up, 1); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if resp := recv(t, r.moves); resp.status != protocol.InvalidAgentID {
		t.Fatalf("move unowned: %+v", resp)
	}
}

func TestServer_AgentsAreInvisibleToOtherClients(t *testing.T) {
	_, _, addr := startServer(t, protocol.GrantAll())
	ra, rb := newRecorder(), newRecorder()
	a := dial(t, addr, ra)
	b := dial(t, addr, rb)
	id := addAgent(t, a, ra)

	if err := b.Move(id, geom.Up, 1); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if resp := recv(t, rb.moves); resp.status != protocol.InvalidAgentID {
		t.Fatalf("foreign move: %+v", resp)
	}
	if err := b.SetActive(id, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if resp := recv(t, rb.actives); resp.status != protocol.InvalidAgentID {
		t.Fatalf("foreign set active: %+v", resp)
	}
	// The origin is taken, so b cannot spawn there.
	if err := b.AddAgent(); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if resp := recv(t, rb.adds); resp.status != protocol.AgentAlreadyExists {
		t.Fatalf("second spawn: %+v", resp)
	}

	// Both see the step, but only a's connection carries the agent.
	if err := a.Move(id, geom.Up, 1); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if step := recv(t, ra.steps); len(step.ids) != 1 {
		t.Fatalf("owner step: %+v", step)
	}
	if step := recv(t, rb.steps); len(step.ids) != 0 || step.time != 1 {
		t.Fatalf("other step: %+v", step)
	}
}

func TestServer_QueriesAndSemaphores(t *testing.T) {
	_, _, addr := startServer(t, protocol.GrantAll())
	r := newRecorder()
	c := dial(t, addr, r)
	id := addAgent(t, c, r)

	if err := c.GetAgentIDs(); err != nil {
		t.Fatalf("GetAgentIDs: %v", err)
	}
	if resp := recv(t, r.ids); resp.status != protocol.OK || len(resp.ids) != 1 || resp.ids[0] != id {
		t.Fatalf("agent ids: %+v", resp)
	}
	if err := c.GetAgentStates([]uint64{id, 99}); err != nil {
		t.Fatalf("GetAgentStates: %v", err)
	}
	if resp := recv(t, r.states); resp.status != protocol.OK || len(resp.states) != 1 || resp.ids[0] != id {
		t.Fatalf("agent states: %+v", resp)
	}
	if err := c.GetAgentStates([]uint64{0}); err != nil {
		t.Fatalf("GetAgentStates: %v", err)
	}
	if resp := recv(t, r.states); resp.status != protocol.InvalidAgentID {
		t.Fatalf("zero id: %+v", resp)
	}
	if err := c.GetMap(geom.Pos(0, 0), geom.Pos(0, 0), true, true); err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	resp := recv(t, r.maps)
	if resp.status != protocol.OK || len(resp.rows) == 0 {
		t.Fatalf("get map: status %v rows %d", resp.status, len(resp.rows))
	}
	found := false
	for _, row := range resp.rows {
		for _, p := range row {
			if p.Position == geom.Pos(0, 0) {
				found = len(p.AgentPositions) == 1 && len(p.Vision) == 64 && len(p.Scent) == 128
			}
		}
	}
	if !found {
		t.Fatalf("origin patch missing or incomplete")
	}

	// A semaphore holds the tick until it is signaled.
	if err := c.AddSemaphore(); err != nil {
		t.Fatalf("AddSemaphore: %v", err)
	}
	sem := recv(t, r.addSems)
	if sem.status != protocol.OK || sem.id == 0 {
		t.Fatalf("add semaphore: %+v", sem)
	}
	if err := c.DoNothing(id); err != nil {
		t.Fatalf("DoNothing: %v", err)
	}
	recv(t, r.noops)
	if err := c.GetSemaphores(); err != nil {
		t.Fatalf("GetSemaphores: %v", err)
	}
	if resp := recv(t, r.sems); resp.status != protocol.OK || len(resp.ids) != 1 || resp.signaled[0] {
		t.Fatalf("semaphores: %+v", resp)
	}
	select {
	case step := <-r.steps:
		t.Fatalf("stepped before the semaphore was signaled: %+v", step)
	default:
	}
	if err := c.SignalSemaphore(sem.id); err != nil {
		t.Fatalf("SignalSemaphore: %v", err)
	}
	if step := recv(t, r.steps); step.time != 1 {
		t.Fatalf("step time = %d", step.time)
	}
	if resp := recv(t, r.signals); resp.status != protocol.OK {
		t.Fatalf("signal: %+v", resp)
	}
}

func TestServer_ReconnectKeepsOwnership(t *testing.T) {
	s, _, addr := startServer(t, protocol.GrantAll())
	r := newRecorder()
	c := dial(t, addr, r)
	id := addAgent(t, c, r)
	if err := c.AddSemaphore(); err != nil {
		t.Fatalf("AddSemaphore: %v", err)
	}
	sem := recv(t, r.addSems)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.DoNothing(id); !errors.Is(err, ErrClientStopped) {
		t.Fatalf("send after stop: %v", err)
	}

	r2 := newRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c2, sess, err := Reconnect(ctx, addr, c.ID, r2.handlers())
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	t.Cleanup(func() { _ = c2.Stop() })
	if len(sess.AgentIDs) != 1 || sess.AgentIDs[0] != id || len(sess.Agents) != 1 {
		t.Fatalf("session agents: %+v", sess)
	}
	if len(sess.Semaphores) != 1 || sess.Semaphores[0] != sem.id {
		t.Fatalf("session semaphores: %v", sess.Semaphores)
	}
	if err := c2.Move(id, geom.Up, 1); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if resp := recv(t, r2.moves); resp.status != protocol.OK {
		t.Fatalf("move after reconnect: %+v", resp)
	}
	if err := c2.SignalSemaphore(sem.id); err != nil {
		t.Fatalf("SignalSemaphore: %v", err)
	}
	if step := recv(t, r2.steps); step.time != 1 || step.states[0].Position != geom.Pos(0, 1) {
		t.Fatalf("step after reconnect: %+v", step)
	}
	if s.Time() != 1 {
		t.Fatalf("sim time = %d", s.Time())
	}

	if _, _, err := Reconnect(ctx, addr, 999, Handlers{}); err == nil {
		t.Fatalf("expected unknown client id to be refused")
	}
}

func TestServer_RemoveClientCleansUp(t *testing.T) {
	s, srv, addr := startServer(t, protocol.GrantAll())
	r := newRecorder()
	c := dial(t, addr, r)
	addAgent(t, c, r)
	if err := c.AddSemaphore(); err != nil {
		t.Fatalf("AddSemaphore: %v", err)
	}
	recv(t, r.addSems)

	if err := c.RemoveClient(); err != nil {
		t.Fatalf("RemoveClient: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection not closed after remove client")
	}
	select {
	case err := <-r.lost:
		t.Fatalf("lost connection reported after remove client: %v", err)
	default:
	}
	if st := s.Stats(); st.Agents != 0 || st.Semaphores != 0 {
		t.Fatalf("sim still has %d agents and %d semaphores", st.Agents, st.Semaphores)
	}
	if st := srv.Stats(); st.Clients != 0 {
		t.Fatalf("server still knows %d clients", st.Clients)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := Reconnect(ctx, addr, c.ID, Handlers{}); err == nil {
		t.Fatalf("expected removed client to be refused")
	}
}

func TestServer_RemoveClientWithoutPermissionDrops(t *testing.T) {
	perms := protocol.GrantAll()
	perms.RemoveClient = false
	s, _, addr := startServer(t, perms)
	r := newRecorder()
	c := dial(t, addr, r)
	addAgent(t, c, r)
	if err := c.RemoveClient(); err != nil {
		t.Fatalf("RemoveClient: %v", err)
	}
	<-c.Done()
	if st := s.Stats(); st.Agents != 1 {
		t.Fatalf("agents = %d, want the agent kept", st.Agents)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c2, sess, err := Reconnect(ctx, addr, c.ID, Handlers{})
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	_ = c2.Stop()
	if len(sess.AgentIDs) != 1 {
		t.Fatalf("session agents: %v", sess.AgentIDs)
	}
}

func TestServer_ShutdownReportsLostConnection(t *testing.T) {
	_, srv, addr := startServer(t, protocol.GrantAll())
	r := newRecorder()
	c := dial(t, addr, r)
	srv.Shutdown()
	if err := recv(t, r.lost); err == nil {
		t.Fatalf("expected a read error")
	}
	<-c.Done()
}

func TestServer_ExportRestore(t *testing.T) {
	s, srv, addr := startServer(t, protocol.GrantAll())
	r := newRecorder()
	c := dial(t, addr, r)
	id := addAgent(t, c, r)

	st := srv.Export()
	if st.NextClientID != 2 || len(st.Clients) != 1 || st.Clients[0].Agents[0] != id {
		t.Fatalf("export: %+v", st)
	}

	other := NewServer(s, Options{Logger: quiet()})
	if err := other.Restore(st); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := other.Export(); got.NextClientID != st.NextClientID || len(got.Clients) != 1 {
		t.Fatalf("restored: %+v", got)
	}
	bad := st
	bad.NextClientID = 1
	if err := other.Restore(bad); err == nil {
		t.Fatalf("expected out of range client id error")
	}
}

func TestServer_StalledClientDoesNotBlockSteps(t *testing.T) {
	s, err := sim.New(testConfig(), 1, nil, quiet())
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	srv := NewServer(s, Options{Outbox: 2, Logger: quiet()})
	srv.clients[1] = &clientState{}

	// Nothing ever reads from peer, so every write to nc blocks.
	nc, peer := net.Pipe()
	defer peer.Close()
	c := newConn(nc, srv.opts.Outbox)
	c.clientID = 1
	go c.writeLoop()
	srv.conns[c] = struct{}{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for tick := uint64(1); tick <= 10; tick++ {
			srv.BroadcastStep(nil, tick)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("BroadcastStep waited on a client that never reads")
	}

	st := srv.Stats()
	if st.StepsSent+st.StepFailures != 10 || st.StepFailures < 7 {
		t.Fatalf("stats after overflow: %+v", st)
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatalf("writer still running after the connection was dropped")
	}
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the dropped connection to be closed, got %v", err)
	}
}
