package workerpool

import (
	"context"
	"log/slog"
	"sync"

	"coolwsd/internal/workerutil"
)

// DeathNotifier is called when a worker dies. If the worker was idle, Forget
// already removed it from the pool before this is invoked; if it was owned
// by a Broker, the caller (the Broker's actor goroutine reading from Conn)
// is expected to react per spec §4.4's failure semantics and is not routed
// through this notifier.
type DeathNotifier func(pid int)

// WatchIdle runs RunWithPanicRecovery-wrapped goroutines that block reading
// from each idle worker's control connection; a read error or close means
// the worker died while idle, so it is forgotten and replenishment is
// requested (spec §4.4: "whenever a worker dies ... remove it ... and, if
// the idle count has fallen below the target, request a replacement").
//
// This only watches workers while they are idle. Once AcquireWorker hands a
// worker to a Broker, the Broker's actor goroutine owns reading from its
// connection and is responsible for its own death handling.
func (p *Pool) WatchIdle(ctx context.Context, wg *sync.WaitGroup, onDeath DeathNotifier) {
	// CheckIn is where a worker becomes idle; wrap it so every check-in
	// spawns its own watcher without the caller having to remember to.
	orig := p.onCheckIn
	p.onCheckIn = func(h *Handle) {
		if orig != nil {
			orig(h)
		}
		workerutil.RunWithPanicRecovery(ctx, "workerpool-idle-watch", wg, func(ctx context.Context) {
			p.watchOne(h, onDeath)
		}, workerutil.RecoveryOptions{
			IsShutdown: func() bool { return ctx.Err() != nil },
		})
	}
}

func (p *Pool) watchOne(h *Handle, onDeath DeathNotifier) {
	// A blocking read on the idle control connection: the forker/worker
	// side never sends unsolicited application frames while idle, so any
	// return from ReadMessage means the peer went away.
	_, _, err := h.Conn.ReadMessage()
	if err != nil {
		slog.Info("[WORKERPOOL] idle worker connection closed", "pid", h.PID, "error", err)
	}
	if p.Forget(h.PID) {
		p.MaybeReplenish()
		if onDeath != nil {
			onDeath(h.PID)
		}
	}
}
