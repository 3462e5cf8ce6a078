package httpapi

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"coolwsd/internal/broker"
	"coolwsd/internal/docid"
	"coolwsd/internal/storage"
	"coolwsd/internal/workerpool"
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

// fakeWorkerConn stands in for a real worker's control channel: it inspects
// every outgoing line, and replies to a "downloadas" command with a
// "saveas:" frame pointing at jailedPath, mirroring what a real LibreOffice
// worker would emit after performing the conversion.
type fakeWorkerConn struct {
	jailedPath string
	resp       chan []byte
	closeOnce  sync.Once
}

func newFakeWorkerConn(jailedPath string) *fakeWorkerConn {
	return &fakeWorkerConn{jailedPath: jailedPath, resp: make(chan []byte, 1)}
}

func (f *fakeWorkerConn) WriteMessage(_ int, data []byte) error {
	line := string(data)
	if idx := strings.Index(line, "downloadas"); idx >= 0 {
		id, _, _ := strings.Cut(line, " ")
		f.resp <- []byte(id + " saveas: url=file://" + f.jailedPath)
	}
	return nil
}

func (f *fakeWorkerConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.resp
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (f *fakeWorkerConn) Close() error {
	f.closeOnce.Do(func() { close(f.resp) })
	return nil
}

func newTestServer(t *testing.T, workerConn *fakeWorkerConn, workerPID int) (*Server, string) {
	t.Helper()
	jailRoot := t.TempDir()
	cacheRoot := t.TempDir()

	pool := workerpool.New(workerpool.Options{NumPreSpawn: 1, ChildTimeout: time.Second}, nil)
	pool.CheckIn(&workerpool.Handle{PID: workerPID, Conn: workerConn})

	newBroker := func(key docid.Key) *broker.Broker {
		return broker.New(key, pool, broker.Options{
			JailRoot:       jailRoot,
			CacheRoot:      cacheRoot,
			StorageOptions: storage.Options{AllowLocalFilesystem: true},
		})
	}

	s := New(newBroker, Options{JailRoot: jailRoot})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Serve(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		cancel()
	})
	waitForCondition(t, time.Second, func() bool { return s.Addr() != "" })
	return s, jailRoot
}

func TestDiscoveryAdvertisesActionURL(t *testing.T) {
	s, _ := newTestServer(t, newFakeWorkerConn(""), 1)
	resp, err := http.Get("http://" + s.Addr() + "/hosting/discovery")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "wopi-discovery") {
		t.Fatalf("got %q, want discovery XML", body)
	}
}

func TestConvertToRoundTripsThroughTemporaryBroker(t *testing.T) {
	const pid = 4242
	jailRoot := t.TempDir()
	cacheRoot := t.TempDir()

	uploadDir := t.TempDir()
	uploadPath := filepath.Join(uploadDir, "report.odt")
	if err := os.WriteFile(uploadPath, []byte("document body"), 0o644); err != nil {
		t.Fatalf("write upload fixture: %v", err)
	}

	jailedPath := filepath.Join(storage.JailPath(jailRoot, strconv.Itoa(pid)), "report.pdf")
	// Seed the file the fake worker's "saveas" response will point at, as
	// if the conversion had already written its output inside the jail
	// beside the staged report.odt.
	if err := os.MkdirAll(filepath.Dir(jailedPath), 0o755); err != nil {
		t.Fatalf("mkdir jail: %v", err)
	}
	if err := os.WriteFile(jailedPath, []byte("%PDF-fake-converted"), 0o644); err != nil {
		t.Fatalf("write converted fixture: %v", err)
	}

	worker := newFakeWorkerConn(jailedPath)
	pool := workerpool.New(workerpool.Options{NumPreSpawn: 1, ChildTimeout: time.Second}, nil)
	pool.CheckIn(&workerpool.Handle{PID: pid, Conn: worker})

	newBroker := func(key docid.Key) *broker.Broker {
		return broker.New(key, pool, broker.Options{
			JailRoot:       jailRoot,
			CacheRoot:      cacheRoot,
			StorageOptions: storage.Options{AllowLocalFilesystem: true},
		})
	}
	s := New(newBroker, Options{JailRoot: jailRoot})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Serve(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer s.Close()
	waitForCondition(t, time.Second, func() bool { return s.Addr() != "" })

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("format", "pdf"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile("data", "report.odt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("document body")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, "http://"+s.Addr()+"/convert-to", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post convert-to: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("got status %d, body %q", resp.StatusCode, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "%PDF-fake-converted" {
		t.Fatalf("got %q, want the converted fixture contents", body)
	}
}

func TestDownloadRejectsPathTraversal(t *testing.T) {
	s, jailRoot := newTestServer(t, newFakeWorkerConn(""), 1)

	jailID := "777"
	dir := storage.JailPath(jailRoot, jailID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("ok"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	secret := filepath.Join(jailRoot, "secret.txt")
	if err := os.WriteFile(secret, []byte("should not be reachable"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/" + jailID + "/" + jailID + "/report.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d for legitimate download", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("got %q, want ok", body)
	}

	traversal, err := http.Get("http://" + s.Addr() + "/" + jailID + "/" + jailID + "/../../secret.txt")
	if err != nil {
		t.Fatalf("get traversal: %v", err)
	}
	defer traversal.Body.Close()
	if traversal.StatusCode == http.StatusOK {
		tbody, _ := io.ReadAll(traversal.Body)
		if string(tbody) == "should not be reachable" {
			t.Fatal("path traversal escaped the jail")
		}
	}
}

func TestInsertFileStagesUploadUnderJail(t *testing.T) {
	s, jailRoot := newTestServer(t, newFakeWorkerConn(""), 1)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("jailId", "555")
	mw.WriteField("childId", "555")
	part, _ := mw.CreateFormFile("data", "image.png")
	part.Write([]byte("fake-png-bytes"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, "http://"+s.Addr()+"/insertfile", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post insertfile: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "/555/555/insert/image.png" {
		t.Fatalf("got %q", body)
	}

	staged := filepath.Join(storage.JailPath(jailRoot, "555"), "insert", "image.png")
	data, err := os.ReadFile(staged)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Fatalf("got %q", data)
	}
}
