// Package server implements the top-level supervisor from spec §4.11: it
// constructs every other component from one Config (dialing the forker's
// control socket once, in New), starts the Dispatcher's, Admin Channel's and
// HTTP surface's servers, and drains live documents on shutdown.
//
// Grounded on the teacher's (now-removed) cmd/go-tmux/main.go for the
// construct-everything-explicitly, no-package-level-globals wiring style
// (spec.md §9's "pass globals explicitly" design note), and on
// internal/workerutil/recovery.go for the background loops it owns (the
// replenishment reaper and the idle-worker watchers), which run under
// RunWithPanicRecovery; the listeners' serve loops are plain goroutines
// started by each component.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coolwsd/internal/admin"
	"coolwsd/internal/broker"
	"coolwsd/internal/config"
	"coolwsd/internal/dispatcher"
	"coolwsd/internal/docid"
	"coolwsd/internal/forkerctl"
	"coolwsd/internal/httpapi"
	"coolwsd/internal/storage"
	"coolwsd/internal/workerpool"
	"coolwsd/internal/workerutil"
)

// drainTimeout bounds how long Shutdown waits for every live document's
// forced save before giving up and closing the listeners anyway (spec §7:
// shutdown must not hang forever on a wedged worker).
const drainTimeout = 10 * time.Second

// forkerDialTimeout bounds the initial attempt to reach the forker's
// control socket. A forker that is not up yet is not fatal: the pool simply
// runs without replenishment, using only workers that check in by some other
// means. The dial is not retried after New returns.
const forkerDialTimeout = 2 * time.Second

// Server owns every long-lived component constructed from one Config.
type Server struct {
	cfg config.Config

	pool       *workerpool.Pool
	forker     *forkerctl.Writer
	dispatcher *dispatcher.Dispatcher
	admin      *admin.Channel
	history    *admin.History
	httpAPI    *httpapi.Server

	wg sync.WaitGroup
}

// New constructs a Server from cfg. It dials the forker's control socket
// (best-effort) and wires the Dispatcher, Worker Pool, and Admin Channel
// together, but does not start listening until Run is called.
func New(cfg config.Config) (*Server, error) {
	forker, err := dialForker(cfg.ForkerSocketPath)
	if err != nil {
		slog.Warn("[SERVER] forker control channel unavailable, continuing without replenishment", "error", err)
	}

	pool := workerpool.New(workerpool.Options{
		NumPreSpawn:  cfg.NumPrespawnChildren,
		ChildTimeout: cfg.ChildTimeout,
	}, forker)

	newBroker := func(key docid.Key) *broker.Broker {
		return broker.New(key, pool, broker.Options{
			IdleSaveDuration: cfg.IdleSaveDuration,
			AutoSaveDuration: cfg.AutoSaveDuration,
			JailRoot:         cfg.ChildRootPath,
			CacheRoot:        cfg.TileCachePath,
			StorageOptions: storage.Options{
				AllowLocalFilesystem: cfg.Storage.FilesystemAllow,
			},
		})
	}

	disp := dispatcher.New(pool, newBroker, dispatcher.Options{})

	var history *admin.History
	if cfg.TileCachePath != "" {
		// History lives alongside the tile cache root rather than a
		// dedicated config key: it is a supplementary record of model
		// events, not a required deployment input (see DESIGN.md).
		path := cfg.TileCachePath + ".admin-history.db"
		h, err := admin.OpenHistory(path)
		if err != nil {
			slog.Warn("[SERVER] admin history unavailable, continuing without persistence", "error", err)
		} else {
			history = h
		}
	}

	creds := admin.Credentials{
		Username: cfg.AdminConsole.Username,
		Password: cfg.AdminConsole.Password,
	}
	adminChannel := admin.New(disp, creds, history, admin.Options{})
	disp.SetModelListener(adminChannel.ModelEvent)

	s := &Server{
		cfg:        cfg,
		pool:       pool,
		forker:     forker,
		dispatcher: disp,
		admin:      adminChannel,
		history:    history,
		httpAPI: httpapi.New(newBroker, httpapi.Options{
			JailRoot:           cfg.ChildRootPath,
			DiscoveryActionURL: "http://" + cfg.ClientAddr + "/ws",
		}),
	}
	return s, nil
}

func dialForker(socketPath string) (*forkerctl.Writer, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("server: forker socket path not configured")
	}
	deadline := time.Now().Add(forkerDialTimeout)
	var lastErr error
	for {
		w, err := forkerctl.Dial("unix", socketPath)
		if err == nil {
			return w, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, lastErr
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Run starts every component and blocks until ctx is cancelled (typically by
// signal handling via os/signal.NotifyContext in cmd/coolwsd), then drains
// live documents and shuts every listener down.
func (s *Server) Run(ctx context.Context) error {
	s.pool.WatchIdle(ctx, &s.wg, func(pid int) {
		slog.Info("[SERVER] idle worker died, replenishment requested", "pid", pid)
	})

	if err := s.dispatcher.Start(ctx, s.cfg.ClientAddr); err != nil {
		return fmt.Errorf("server: start dispatcher: %w", err)
	}
	if err := s.admin.Start(ctx, s.cfg.AdminAddr); err != nil {
		return fmt.Errorf("server: start admin channel: %w", err)
	}
	if err := s.httpAPI.Serve(ctx, s.cfg.HTTPAddr); err != nil {
		return fmt.Errorf("server: start http surface: %w", err)
	}

	s.runReplenishmentReaper(ctx)

	slog.Info("[SERVER] running",
		"clientAddr", s.dispatcher.Addr(),
		"adminAddr", s.admin.Addr(),
		"httpAddr", s.httpAPI.Addr(),
	)

	<-ctx.Done()
	slog.Info("[SERVER] shutdown requested")
	return s.Shutdown()
}

// replenishInterval bounds how often the reaper checks the idle pool
// against its pre-spawn target (spec §4.4: "replenishment on child death").
const replenishInterval = 5 * time.Second

// runReplenishmentReaper starts a panic-isolated background loop that
// periodically asks the Worker Pool to top itself back up to its
// pre-spawn target, the same role the teacher's recovery-wrapped
// supervisor loops play for any long-lived background goroutine.
func (s *Server) runReplenishmentReaper(ctx context.Context) {
	workerutil.RunWithPanicRecovery(ctx, "worker-pool-reaper", &s.wg, func(ctx context.Context) {
		ticker := time.NewTicker(replenishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pool.MaybeReplenish()
			}
		}
	}, workerutil.RecoveryOptions{
		IsShutdown: func() bool { return ctx.Err() != nil },
	})
}

// Shutdown drains every live document with a bounded forced save, then
// closes the Dispatcher's and Admin Channel's listeners. It does not depend
// on the context passed to Run still being live.
func (s *Server) Shutdown() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.drainDocuments(drainCtx)

	if err := s.dispatcher.Stop(drainCtx); err != nil {
		slog.Warn("[SERVER] dispatcher shutdown error", "error", err)
	}
	if err := s.admin.Stop(drainCtx); err != nil {
		slog.Warn("[SERVER] admin channel shutdown error", "error", err)
	}
	if err := s.httpAPI.Close(); err != nil {
		slog.Warn("[SERVER] http surface shutdown error", "error", err)
	}
	if s.forker != nil {
		if err := s.forker.Close(); err != nil {
			slog.Warn("[SERVER] forker channel close error", "error", err)
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			slog.Warn("[SERVER] admin history close error", "error", err)
		}
	}

	s.wg.Wait()
	return nil
}

// drainDocuments asks every live Broker to force a save, waiting up to
// ctx's deadline. A save failure is logged and otherwise ignored: shutdown
// must proceed even if a worker is wedged (spec §7).
func (s *Server) drainDocuments(ctx context.Context) {
	docs := s.dispatcher.Documents()
	if len(docs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, b := range docs {
		wg.Add(1)
		go func(b *broker.Broker) {
			defer wg.Done()
			if err := b.Save(ctx); err != nil {
				slog.Warn("[SERVER] forced save on shutdown failed", "error", err)
			}
		}(b)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("[SERVER] drain timed out, proceeding with shutdown")
	}
}
