package server

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coolwsd/internal/admin"
	"coolwsd/internal/config"
)

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fn()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ClientAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.ForkerSocketPath = ""
	cfg.TileCachePath = filepath.Join(t.TempDir(), "cache")
	cfg.ChildRootPath = filepath.Join(t.TempDir(), "jails")
	cfg.Storage.FilesystemAllow = true
	hash, err := admin.HashPassword("swordfish")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cfg.AdminConsole.Username = "admin"
	cfg.AdminConsole.Password = hash
	return cfg
}

func TestServerStartsAndStopsAllListeners(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	if !waitForCondition(t, 2*time.Second, func() bool {
		return s.dispatcher.Addr() != "" && s.admin.Addr() != "" && s.httpAPI.Addr() != ""
	}) {
		t.Fatal("timed out waiting for all listeners to bind")
	}

	u := url.URL{Scheme: "ws", Host: s.admin.Addr(), Path: "/adminws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial admin: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("auth admin swordfish")); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if string(data) != "okframe" {
		t.Fatalf("got %q, want okframe", data)
	}
	conn.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after shutdown")
	}
}

func TestServerDrainDocumentsHandlesNoLiveBrokers(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// With no documents loaded, drainDocuments must return promptly rather
	// than blocking on an empty wait group forever.
	done := make(chan struct{})
	go func() {
		s.drainDocuments(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drainDocuments blocked with no live documents")
	}
}
