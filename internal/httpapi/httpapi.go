// Package httpapi implements the HTTP surface from spec §4.12: the
// non-WebSocket endpoints the Dispatcher's URL space must also answer —
// hosting discovery, synchronous format conversion, embedded-file upload,
// and jailed-file download.
//
// Grounded on internal/ipc/protocol.go's request/response framing discipline
// (validate shape before touching the filesystem) and on internal/config's
// layered validation-with-warnings for malformed multipart input. Routing
// uses net/http.ServeMux's Go 1.22 method+pattern matching rather than an
// external router: no example repo in the corpus links a router library,
// and four routes do not motivate importing one (DESIGN.md notes this as a
// stdlib choice with justification).
package httpapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coolwsd/internal/broker"
	"coolwsd/internal/docid"
	"coolwsd/internal/session"
	"coolwsd/internal/storage"
)

// convertToTimeout bounds how long /convert-to waits for the worker's
// saveas rendezvous before giving up (spec §7: a wedged worker must not
// hang an HTTP request forever).
const convertToTimeout = 30 * time.Second

// maxUploadBytes bounds multipart form parsing for /convert-to and
// /insertfile, guarding against unbounded memory use from a malicious or
// mistaken upload.
const maxUploadBytes = 100 << 20

// BrokerFactory constructs a new, unloaded Broker for key. /convert-to uses
// it to build a temporary Broker per spec.md §6, outside the Dispatcher's
// long-lived document map.
type BrokerFactory func(key docid.Key) *broker.Broker

// Options configures the HTTP surface.
type Options struct {
	// JailRoot is the root directory workers stage documents under
	// (spec §6: "<childRoot>/<jailId>/").
	JailRoot string
	// DiscoveryActionURL is the action URL advertised by
	// GET /hosting/discovery (spec §4.12), typically the Dispatcher's
	// public client WebSocket endpoint.
	DiscoveryActionURL string
}

// Server serves the HTTP surface.
type Server struct {
	newBroker BrokerFactory
	opts      Options

	listener net.Listener
	server   *http.Server
}

// New constructs a Server. newBroker is the same broker-construction
// closure the Dispatcher uses, so /convert-to's temporary Broker is built
// with identical storage/jail/cache options.
func New(newBroker BrokerFactory, opts Options) *Server {
	if opts.DiscoveryActionURL == "" {
		opts.DiscoveryActionURL = "http://127.0.0.1:9980/ws"
	}
	return &Server{newBroker: newBroker, opts: opts}
}

// Serve starts the HTTP surface's listener on addr and blocks serving until
// ctx is cancelled (via BaseContext-driven server shutdown elsewhere) or
// the listener fails permanently.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /hosting/discovery", s.handleDiscovery)
	mux.HandleFunc("POST /convert-to", s.handleConvertTo)
	mux.HandleFunc("POST /insertfile", s.handleInsertFile)
	mux.HandleFunc("GET /{jailId}/{childId}/{filename...}", s.handleDownload)

	s.server = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("[HTTPAPI] server error", "error", err)
		}
	}()
	slog.Info("[HTTPAPI] listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when Serve's addr used
// port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts down the HTTP surface's listener.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// discoveryTemplate is the minimal hosting/discovery document: one action
// entry per mimetype family, all pointing at the client WebSocket endpoint
// (spec §4.12: "preprocessed XML advertising the document action URL").
const discoveryTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<wopi-discovery>
  <net-zone name="external-http">
    <app name="writer">
      <action ext="odt" name="edit" urlsrc=%q/>
      <action ext="docx" name="edit" urlsrc=%q/>
    </app>
    <app name="calc">
      <action ext="ods" name="edit" urlsrc=%q/>
      <action ext="xlsx" name="edit" urlsrc=%q/>
    </app>
    <app name="impress">
      <action ext="odp" name="edit" urlsrc=%q/>
      <action ext="pptx" name="edit" urlsrc=%q/>
    </app>
  </net-zone>
</wopi-discovery>
`

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	u := s.opts.DiscoveryActionURL
	body := fmt.Sprintf(discoveryTemplate, u, u, u, u, u, u)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = io.WriteString(w, body)
}

// discardConn is a session.Conn that accepts writes silently and never
// yields a read. /convert-to's temporary client session is never driven by
// a real socket read pump (there is no browser on the other end), so its
// ReadMessage is simply never called.
type discardConn struct{}

func (discardConn) WriteMessage(int, []byte) error   { return nil }
func (discardConn) ReadMessage() (int, []byte, error) { select {} }
func (discardConn) Close() error                      { return nil }

func (s *Server) handleConvertTo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "convert-to: invalid multipart form", http.StatusBadRequest)
		return
	}
	format := r.FormValue("format")
	if format == "" {
		http.Error(w, "convert-to: format is required", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("data")
	if err != nil {
		http.Error(w, "convert-to: missing file field \"data\"", http.StatusBadRequest)
		return
	}
	defer file.Close()

	tmpDir, err := os.MkdirTemp("", "convert-to-*")
	if err != nil {
		http.Error(w, "convert-to: staging failed", http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(tmpDir)

	localPath := filepath.Join(tmpDir, filepath.Base(header.Filename))
	dst, err := os.Create(localPath)
	if err != nil {
		http.Error(w, "convert-to: staging failed", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		http.Error(w, "convert-to: staging failed", http.StatusInternalServerError)
		return
	}
	dst.Close()

	data, err := s.convertViaTemporaryBroker(r.Context(), localPath, header.Filename, format)
	if err != nil {
		slog.Warn("[HTTPAPI] convert-to failed", "error", err)
		http.Error(w, "convert-to: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// convertViaTemporaryBroker implements spec.md §6's "synchronous
// load/saveAs/download using a temporary Broker": it loads localPath
// through a fresh Broker (never registered in the Dispatcher's document
// map), injects a downloadas command, waits for the worker's saveas
// rendezvous, and reads the resulting jailed file back.
func (s *Server) convertViaTemporaryBroker(ctx context.Context, localPath, originalName, format string) ([]byte, error) {
	key, err := docid.FromURL("file://" + localPath)
	if err != nil {
		return nil, fmt.Errorf("derive document key: %w", err)
	}
	b := s.newBroker(key)
	if err := b.Load(ctx, "file://"+localPath, ""); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}

	sessionID := uuid.NewString()
	clientSession, pair, err := b.AddSession(sessionID, discardConn{})
	if err != nil {
		return nil, fmt.Errorf("add session: %w", err)
	}
	defer b.RemoveSession(sessionID)

	downloadID := uuid.NewString()
	cmd := fmt.Sprintf("downloadas name=%s id=%s format=%s", originalName, downloadID, format)
	if err := pair.Worker.Send(websocket.TextMessage, []byte(cmd)); err != nil {
		return nil, fmt.Errorf("send downloadas: %w", err)
	}

	done := make(chan struct{})
	timer := time.AfterFunc(convertToTimeout, func() { close(done) })
	defer timer.Stop()

	publicPath, ok := clientSession.AwaitSaveAsURL(done)
	if !ok {
		return nil, fmt.Errorf("timed out waiting for converted file")
	}

	diskPath, err := s.resolveDownloadPath(publicPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(diskPath)
}

// resolveDownloadPath turns a "/<jailId>/<childId>/<filename...>" public
// path (as produced by Broker.RewriteSaveAsURL) back into the real file on
// disk under JailRoot.
func (s *Server) resolveDownloadPath(publicPath string) (string, error) {
	jailID, childID, filename, err := splitDownloadPath(publicPath)
	if err != nil {
		return "", err
	}
	return s.jailedFilePath(jailID, childID, filename), nil
}

func splitDownloadPath(p string) (jailID, childID, filename string, err error) {
	trimmed := strings.TrimPrefix(p, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed download path %q", p)
	}
	return parts[0], parts[1], parts[2], nil
}

// jailedFilePath resolves the on-disk path for a jailed download. It does
// not reject anything: the filename is cleaned as if rooted at "/", so ".."
// components cannot climb above the jail's document directory
// (spec §4.3: "the filename is taken from the last path segment, never from
// a query parameter").
func (s *Server) jailedFilePath(jailID, childID, filename string) string {
	base := storage.JailPath(s.opts.JailRoot, jailID)
	clean := filepath.Clean("/" + filename)
	return filepath.Join(base, clean)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jailID := r.PathValue("jailId")
	childID := r.PathValue("childId")
	filename := r.PathValue("filename")
	if jailID == "" || childID == "" || filename == "" {
		http.NotFound(w, r)
		return
	}
	path := s.jailedFilePath(jailID, childID, filename)
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, filepath.Base(path), time.Time{}, f)
}

// handleInsertFile stages an uploaded embedded-image file into the jail of
// an already-loaded document (spec §6: "insertfile ... file transport for
// embedded-image ... flows"), keyed by the jailId/childId the client
// supplies as form fields (mirroring the session's own load-time jail
// assignment).
func (s *Server) handleInsertFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "insertfile: invalid multipart form", http.StatusBadRequest)
		return
	}
	jailID := r.FormValue("jailId")
	childID := r.FormValue("childId")
	if jailID == "" || childID == "" {
		http.Error(w, "insertfile: jailId and childId are required", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("data")
	if err != nil {
		http.Error(w, "insertfile: missing file field \"data\"", http.StatusBadRequest)
		return
	}
	defer file.Close()

	dir := filepath.Join(storage.JailPath(s.opts.JailRoot, jailID), "insert")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		http.Error(w, "insertfile: staging failed", http.StatusInternalServerError)
		return
	}
	target := filepath.Join(dir, filepath.Base(header.Filename))
	dst, err := os.Create(target)
	if err != nil {
		http.Error(w, "insertfile: staging failed", http.StatusInternalServerError)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		http.Error(w, "insertfile: staging failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "/%s/%s/insert/%s", jailID, childID, filepath.Base(header.Filename))
}

var _ session.Conn = discardConn{}
