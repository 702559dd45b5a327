package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/transport/tcp"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:54353", "simulator tcp address")
		agents    = flag.Int("agents", 1, "agents to add")
		maxSteps  = flag.Uint64("steps", 0, "stop after this many simulator steps (0 runs until interrupted)")
		seed      = flag.Uint64("seed", 0, "random seed (0 picks one)")
		attempts  = flag.Int("reconnect_attempts", 5, "reconnect attempts after a lost connection")
		report    = flag.Uint64("report_every", 100, "log agent positions every N steps")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := &bot{
		logger: logger,
		rng:    rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)),
		report: *report,
		wake:   make(chan struct{}, 1),
		lost:   make(chan error, 1),
	}
	c, err := tcp.Dial(ctx, *addr, b.handlers())
	if err != nil {
		logger.Fatalf("dial %s: %v", *addr, err)
	}
	b.cfg = c.Config
	logger.Printf("connected client=%d time=%d", c.ID, c.Time)
	for range *agents {
		if err := c.AddAgent(); err != nil {
			logger.Fatalf("add agent: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.Stop()
			return
		case <-b.wake:
			if *maxSteps > 0 && b.time() >= *maxSteps {
				logger.Printf("reached %d steps", b.time())
				_ = c.Stop()
				return
			}
			b.act(c)
		case err := <-b.lost:
			logger.Printf("lost connection: %v", err)
			if c, err = b.reconnect(ctx, *addr, c.ID, *attempts); err != nil {
				logger.Fatalf("reconnect: %v", err)
			}
			b.act(c)
		}
	}
}

var errNoAction = errors.New("configuration permits no action")

// bot walks its agents at random. Handlers run on the client's listener
// goroutine and only record state; actions are sent from main.
type bot struct {
	logger *log.Logger
	rng    *rand.Rand
	cfg    sim.Config
	report uint64

	mu      sync.Mutex
	agents  []uint64
	pending map[uint64]bool
	now     uint64

	wake chan struct{}
	lost chan error
}

func (b *bot) handlers() tcp.Handlers {
	return tcp.Handlers{
		OnAddAgent: func(id uint64, st sim.AgentState, status protocol.Status) {
			if status != protocol.OK {
				b.logger.Printf("add agent: %v", status)
				return
			}
			b.logger.Printf("agent %d at %v", id, st.Position)
			b.mu.Lock()
			b.agents = append(b.agents, id)
			b.markLocked(id)
			b.mu.Unlock()
			b.poke()
		},
		OnMove:      b.logRejected("move"),
		OnTurn:      b.logRejected("turn"),
		OnDoNothing: b.logRejected("do nothing"),
		OnStep: func(ids []uint64, states []sim.AgentState, t uint64) {
			b.mu.Lock()
			b.now = t
			for _, id := range b.agents {
				b.markLocked(id)
			}
			b.mu.Unlock()
			if b.report > 0 && t%b.report == 0 {
				for i, id := range ids {
					b.logger.Printf("t=%d agent=%d pos=%v items=%v", t, id, states[i].Position, states[i].CollectedItems)
				}
			}
			b.poke()
		},
		OnLostConnection: func(err error) {
			select {
			case b.lost <- err:
			default:
			}
		},
	}
}

func (b *bot) logRejected(action string) func(uint64, protocol.Status) {
	return func(id uint64, status protocol.Status) {
		if status != protocol.OK {
			b.logger.Printf("%s agent=%d: %v", action, id, status)
		}
	}
}

func (b *bot) markLocked(id uint64) {
	if b.pending == nil {
		b.pending = make(map[uint64]bool)
	}
	b.pending[id] = true
}

func (b *bot) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *bot) time() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// act sends one action for every agent that has not acted this tick.
func (b *bot) act(c *tcp.Client) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	clear(b.pending)
	b.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		if err := b.choose(c, id); err != nil {
			b.logger.Printf("agent %d: %v", id, err)
		}
	}
}

func (b *bot) choose(c *tcp.Client, id uint64) error {
	canMove := b.cfg.AllowedMovementDirections[geom.Up] == sim.Allowed
	var turns []geom.Direction
	for _, d := range []geom.Direction{geom.Left, geom.Right, geom.Down} {
		if b.cfg.AllowedRotations[d] == sim.Allowed {
			turns = append(turns, d)
		}
	}
	switch {
	case canMove && (len(turns) == 0 || b.rng.Float64() < 0.75):
		return c.Move(id, geom.Up, 1)
	case len(turns) > 0:
		return c.Turn(id, turns[b.rng.IntN(len(turns))])
	case b.cfg.NoOpAllowed:
		return c.DoNothing(id)
	default:
		return errNoAction
	}
}

func (b *bot) reconnect(ctx context.Context, addr string, id uint64, attempts int) (*tcp.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		wait := time.Duration(attempt*attempt) * 250 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		c, sess, err := tcp.Reconnect(ctx, addr, id, b.handlers())
		if err != nil {
			lastErr = err
			b.logger.Printf("reconnect attempt %d/%d: %v", attempt, attempts, err)
			continue
		}
		b.mu.Lock()
		b.cfg = c.Config
		b.now = c.Time
		b.agents = slices.Clone(sess.AgentIDs)
		for _, a := range b.agents {
			b.markLocked(a)
		}
		b.mu.Unlock()
		b.logger.Printf("reconnected client=%d agents=%d time=%d", id, len(sess.AgentIDs), c.Time)
		return c, nil
	}
	return nil, lastErr
}
