package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gridworld.ai/internal/observerproto"
)

func testServer(buffer int) *Server {
	return NewServer(func() observerproto.BootstrapResponse {
		return observerproto.BootstrapResponse{ProtocolVersion: observerproto.Version, RunID: "run-1", Tick: 7}
	}, Options{Buffer: buffer, LoopbackOnly: true, Logger: log.New(io.Discard, "", 0)})
}

func sampleTick(tick uint64) observerproto.TickMsg {
	return observerproto.TickMsg{
		Type:            "TICK",
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		Agents: []observerproto.AgentState{
			{ID: 1, X: 0, Y: 1, Dir: "UP", Collected: []uint32{0}, Scent: []float32{0.5}},
			{ID: 2, X: 3, Y: 1, Dir: "LEFT", Collected: []uint32{1}, Scent: []float32{0.25}},
		},
		Pickups: []observerproto.Pickup{{AgentID: 2, ItemType: 0, X: 3, Y: 1}},
	}
}

func subscribe(t *testing.T, srv *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
}

func TestWS_SubscribeReceivesBootstrapAndTicks(t *testing.T) {
	hub := testServer(8)
	srv := httptest.NewServer(hub.WSHandler())
	defer srv.Close()

	conn := subscribe(t, srv, observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, IncludeScent: true})
	var boot observerproto.BootstrapResponse
	readJSON(t, conn, &boot)
	if boot.RunID != "run-1" || boot.Tick != 7 {
		t.Fatalf("bootstrap: %+v", boot)
	}
	if hub.Stats().Subscribers != 1 {
		t.Fatalf("subscribers = %d", hub.Stats().Subscribers)
	}

	hub.Publish(sampleTick(8))
	var tick observerproto.TickMsg
	readJSON(t, conn, &tick)
	if tick.Tick != 8 || len(tick.Agents) != 2 || len(tick.Agents[0].Scent) != 1 {
		t.Fatalf("tick: %+v", tick)
	}
}

func TestWS_SubscriptionFiltersAgents(t *testing.T) {
	hub := testServer(8)
	srv := httptest.NewServer(hub.WSHandler())
	defer srv.Close()

	conn := subscribe(t, srv, observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, AgentIDs: []uint64{1}})
	var boot observerproto.BootstrapResponse
	readJSON(t, conn, &boot)

	hub.Publish(sampleTick(8))
	var tick observerproto.TickMsg
	readJSON(t, conn, &tick)
	if len(tick.Agents) != 1 || tick.Agents[0].ID != 1 || tick.Agents[0].Scent != nil {
		t.Fatalf("filtered agents: %+v", tick.Agents)
	}
	if len(tick.Pickups) != 0 {
		t.Fatalf("pickups of other agents leaked: %+v", tick.Pickups)
	}
}

func TestWS_RejectsBadSubscribe(t *testing.T) {
	hub := testServer(8)
	srv := httptest.NewServer(hub.WSHandler())
	defer srv.Close()

	conn := subscribe(t, srv, observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: "9.9"})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWS_PublishDropsForFullQueues(t *testing.T) {
	hub := testServer(1)
	sb := &subscriber{out: make(chan []byte, 1), sub: observerproto.SubscribeMsg{IncludeScent: true}}
	hub.subs[1] = sb

	hub.Publish(sampleTick(1))
	hub.Publish(sampleTick(2))
	if st := hub.Stats(); st.Dropped != 1 || st.Published != 2 {
		t.Fatalf("stats: %+v", st)
	}
	var tick observerproto.TickMsg
	if err := json.Unmarshal(<-sb.out, &tick); err != nil || tick.Tick != 1 {
		t.Fatalf("queued frame: %+v %v", tick, err)
	}
}

func TestWS_BootstrapHandler(t *testing.T) {
	hub := testServer(8)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/observe/bootstrap", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	hub.BootstrapHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var boot observerproto.BootstrapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &boot); err != nil || boot.RunID != "run-1" {
		t.Fatalf("body %s: %v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/observe/bootstrap", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	hub.BootstrapHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	hub.BootstrapHandler()(rec, httptest.NewRequest(http.MethodPost, "/v1/observe/bootstrap", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post status = %d", rec.Code)
	}
}
