// Package workerpool implements the Worker Pool from spec §4.4: a
// pre-spawn supervisor that keeps numPreSpawn idle sandboxed workers ready,
// handshakes newly checked-in workers, and hands an idle worker to a
// requesting broker in last-in-first-out order for warm cache locality.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"coolwsd/internal/forkerctl"
)

// Conn is the duplex byte-stream contract a worker's control channel must
// satisfy (spec §3: "a duplex byte stream carrying framed messages"). A
// *websocket.Conn satisfies this structurally; tests use a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Handle is an opaque worker handle (spec §3): an OS process id and its
// control channel. A worker is either idle in the pool or owned by exactly
// one Broker; that invariant is enforced by callers (the pool only ever
// hands a Handle out once per CheckIn).
type Handle struct {
	PID  int
	Conn Conn
}

// ErrTimeout is returned by AcquireWorker when no idle worker became
// available within the configured child timeout, surfaced by the
// Dispatcher as "service unavailable" per spec §4.4/§7.
var ErrTimeout = errors.New("workerpool: timed out waiting for an idle worker")

// Options configures the pool.
type Options struct {
	// NumPreSpawn is the target number of idle workers to keep warm.
	NumPreSpawn int
	// ChildTimeout bounds how long AcquireWorker waits for a spawned
	// worker to check in before giving up.
	ChildTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChildTimeout <= 0 {
		o.ChildTimeout = 10 * time.Second
	}
	return o
}

// Pool owns the idle-worker list and the forker control channel.
type Pool struct {
	opts   Options
	forker *forkerctl.Writer

	mu      sync.Mutex
	idle    []*Handle // LIFO: appended and popped at the tail
	waiters []chan *Handle

	// onCheckIn, when set via WatchIdle, is invoked after every CheckIn so
	// a death-watcher goroutine can be attached to the newly idle worker.
	onCheckIn func(*Handle)
}

// New constructs a Pool. forker may be nil in tests that never need to
// request a spawn (CheckIn-only scenarios).
func New(opts Options, forker *forkerctl.Writer) *Pool {
	return &Pool{opts: opts.withDefaults(), forker: forker}
}

// CheckIn registers a newly-up worker (spec §4.4) by appending it to the
// tail of the idle list, from which AcquireWorker pops LIFO. If an
// AcquireWorker call is already waiting, the handle is
// handed directly to the longest-waiting caller instead of round-tripping
// through the idle list.
func (p *Pool) CheckIn(h *Handle) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- h
		return
	}
	p.idle = append(p.idle, h)
	onCheckIn := p.onCheckIn
	p.mu.Unlock()
	slog.Debug("[WORKERPOOL] worker checked in", "pid", h.PID, "idleCount", p.IdleCount())
	if onCheckIn != nil {
		onCheckIn(h)
	}
}

// AcquireWorker pops the most-recently-idle worker (LIFO, warm cache
// locality, spec §4.4). If the idle list is empty it requests replenishment
// from the forker and waits up to the configured child timeout.
func (p *Pool) AcquireWorker(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return h, nil
	}

	deficit := p.opts.NumPreSpawn - len(p.idle)
	waiter := make(chan *Handle, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	if p.forker != nil {
		if err := p.forker.RequestSpawn(deficit + 1); err != nil {
			slog.Warn("[WORKERPOOL] failed to request spawn from forker", "error", err)
		}
	}

	timer := time.NewTimer(p.opts.ChildTimeout)
	defer timer.Stop()

	select {
	case h := <-waiter:
		return h, nil
	case <-timer.C:
		p.removeWaiter(waiter)
		return nil, ErrTimeout
	case <-ctx.Done():
		p.removeWaiter(waiter)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target chan *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Forget removes pid from the idle list, if present, after the supervisor
// detects the worker has died (spec §4.4 replenishment). Returns true if the
// pid was found idle; false means it was already owned by a Broker (the
// Broker is responsible for its own teardown in that case).
func (p *Pool) Forget(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, h := range p.idle {
		if h.PID == pid {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// MaybeReplenish requests enough spawns to bring the idle count back up to
// the target, if it has fallen below it. Called by the supervisor's reaper
// loop after any worker death.
func (p *Pool) MaybeReplenish() {
	p.mu.Lock()
	deficit := p.opts.NumPreSpawn - len(p.idle)
	p.mu.Unlock()
	if deficit <= 0 || p.forker == nil {
		return
	}
	if err := p.forker.RequestSpawn(deficit); err != nil {
		slog.Warn("[WORKERPOOL] replenishment spawn request failed", "error", err)
	}
}

// IdleCount reports the current number of idle workers, for the admin
// channel and tests.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
