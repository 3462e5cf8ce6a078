package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coolwsd/internal/broker"
	"coolwsd/internal/docid"
	"coolwsd/internal/storage"
	"coolwsd/internal/workerpool"
)

// writeDocFixture writes a small fixture document to a temp directory and
// returns its path, for constructing file:// URLs in tests.
func writeDocFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "report.odt")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

// nopConn is a minimal workerpool.Conn/session.Conn stand-in that never
// receives real traffic; admin's tests only need a Broker whose Stats()
// reflects a completed Load, not one that exchanges frames with a worker.
type nopConn struct{}

func (nopConn) WriteMessage(int, []byte) error       { return nil }
func (nopConn) ReadMessage() (int, []byte, error)     { select {} }
func (nopConn) Close() error                          { return nil }

// newLoadedBrokerFixture constructs and loads a Broker over docPath, for
// tests that only read back Stats() through the DocumentSource interface.
func newLoadedBrokerFixture(t *testing.T, docPath string) *broker.Broker {
	t.Helper()
	pool := workerpool.New(workerpool.Options{NumPreSpawn: 1, ChildTimeout: time.Second}, nil)
	pool.CheckIn(&workerpool.Handle{PID: 4242, Conn: nopConn{}})

	key, err := docid.FromURL("file://" + docPath)
	if err != nil {
		t.Fatalf("FromURL: %v", err)
	}

	b := broker.New(key, pool, broker.Options{
		JailRoot:       t.TempDir(),
		CacheRoot:      t.TempDir(),
		StorageOptions: storage.Options{AllowLocalFilesystem: true},
	})
	if err := b.Load(context.Background(), "file://"+docPath, ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return b
}
