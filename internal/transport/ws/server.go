// Package ws streams per-tick summaries to websocket observers.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gridworld.ai/internal/observerproto"
)

type Options struct {
	// Buffer is the number of frames queued per subscriber before frames
	// are dropped for it.
	Buffer int
	// LoopbackOnly refuses observers from non-loopback addresses.
	LoopbackOnly bool
	Logger       *log.Logger
}

type subscriber struct {
	out chan []byte

	mu  sync.Mutex
	sub observerproto.SubscribeMsg
}

func (s *subscriber) settings() observerproto.SubscribeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Server fans tick summaries out to observers. Publish never blocks: a
// subscriber whose queue is full misses the frame.
type Server struct {
	bootstrap func() observerproto.BootstrapResponse
	opts      Options
	log       *log.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewServer(bootstrap func() observerproto.BootstrapResponse, opts Options) *Server {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		bootstrap: bootstrap,
		opts:      opts,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[uint64]*subscriber{},
	}
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.subs)
	s.mu.Unlock()
	return Stats{Subscribers: n, Published: s.published.Load(), Dropped: s.dropped.Load()}
}

// Publish queues msg for every subscriber.
func (s *Server) Publish(msg observerproto.TickMsg) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	s.published.Add(1)

	var shared []byte
	for _, sub := range subs {
		settings := sub.settings()
		var b []byte
		var err error
		if len(settings.AgentIDs) == 0 && settings.IncludeScent {
			if shared == nil {
				shared, err = json.Marshal(msg)
			}
			b = shared
		} else {
			b, err = json.Marshal(msg.Filter(settings))
		}
		if err != nil {
			s.log.Printf("ws: encode tick %d: %v", msg.Tick, err)
			return
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.opts.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.bootstrap())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || !validSubscribe(sub) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sb := &subscriber{out: make(chan []byte, s.opts.Buffer), sub: sub}
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.subs[id] = sb
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		}()

		if err := writeJSON(conn, s.bootstrap()); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sb.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var upd observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil || !validSubscribe(upd) {
				continue
			}
			sb.mu.Lock()
			sb.sub = upd
			sb.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func validSubscribe(sub observerproto.SubscribeMsg) bool {
	return sub.Type == "SUBSCRIBE" && sub.ProtocolVersion == observerproto.Version
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
