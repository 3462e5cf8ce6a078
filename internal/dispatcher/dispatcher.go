// Package dispatcher implements the Dispatcher from spec §4.7: it accepts
// client WebSocket connections, maps each document URL to a Document Key,
// obtains or creates the owning Document Broker, and wires a Session Pair
// between the browser and the broker's worker. It also accepts the
// worker-facing registration connections that feed the Worker Pool.
//
// Grounded on internal/wsserver/hub.go's Start/handleWS: an http.Server plus
// http.ServeMux upgrading to *websocket.Conn, generalized from the teacher's
// single-connection desktop model to a global map of many documents, each
// serving many client sessions.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coolwsd/internal/broker"
	"coolwsd/internal/docid"
	"coolwsd/internal/protocol"
	"coolwsd/internal/storage"
	"coolwsd/internal/userutil"
	"coolwsd/internal/workerpool"
)

const (
	writeDeadline     = 5 * time.Second
	handshakeDeadline = 10 * time.Second
	protocolVersion   = "0.1"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// BrokerFactory constructs a new, unloaded Broker for key. Supplied by the
// caller so the Dispatcher does not need to know the Worker Pool's and Tile
// Cache's construction options directly.
type BrokerFactory func(key docid.Key) *broker.Broker

// ModelListener receives one already-formatted Admin Channel model-update
// line (spec §4.8: "document <pid> <url>", "addview <pid>", "rmview <pid>",
// "rmdoc <pid>") per document lifecycle event. The Dispatcher has no
// knowledge of the Admin Channel itself; it only emits these lines to
// whatever listener is registered, keeping internal/admin a one-way
// dependent of internal/dispatcher rather than a mutual one.
type ModelListener func(line string)

// Dispatcher owns the global Document Key → Broker map (spec §8, property
// 1: "at most one broker per key") and the Worker Pool workers register
// into.
type Dispatcher struct {
	pool       *workerpool.Pool
	newBroker  BrokerFactory
	childPath  string // URL path workers register on, e.g. "/child"
	clientPath string // URL path browsers connect to, e.g. "/ws"

	mu       sync.Mutex
	brokers  map[docid.Key]*broker.Broker
	listener net.Listener
	server   *http.Server

	listenerMu sync.RWMutex
	onModel    ModelListener
}

// SetModelListener registers fn to receive model-update lines as documents
// and sessions come and go. A nil listener (the default) makes emit a no-op.
func (d *Dispatcher) SetModelListener(fn ModelListener) {
	d.listenerMu.Lock()
	d.onModel = fn
	d.listenerMu.Unlock()
}

func (d *Dispatcher) emit(line string) {
	d.listenerMu.RLock()
	fn := d.onModel
	d.listenerMu.RUnlock()
	if fn != nil {
		fn(line)
	}
}

// Options configures a Dispatcher.
type Options struct {
	Addr       string // not used for listening: Start takes the listen address as its argument
	ClientPath string // default "/ws"
	ChildPath  string // default "/child"
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:0"
	}
	if o.ClientPath == "" {
		o.ClientPath = "/ws"
	}
	if o.ChildPath == "" {
		o.ChildPath = "/child"
	}
	return o
}

// New constructs a Dispatcher. newBroker is invoked at most once per
// distinct Document Key, the first time a client requests that document.
func New(pool *workerpool.Pool, newBroker BrokerFactory, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		pool:       pool,
		newBroker:  newBroker,
		childPath:  opts.ChildPath,
		clientPath: opts.ClientPath,
		brokers:    make(map[docid.Key]*broker.Broker),
	}
}

// Start begins listening and serving the client and worker-registration
// endpoints. ctx is used as the http.Server's BaseContext.
func (d *Dispatcher) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen: %w", err)
	}
	d.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(d.clientPath, d.handleClientWS)
	mux.HandleFunc(d.childPath, d.handleChildWS)

	d.server = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if serveErr := d.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("[DISPATCH] server error", "error", serveErr)
		}
	}()
	slog.Info("[DISPATCH] listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the listener.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	return d.server.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when Start was given port 0.
func (d *Dispatcher) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// BrokerCount reports the number of live brokers, for tests and diagnostics.
// The Admin Channel's active_docs_count counts Documents() instead.
func (d *Dispatcher) BrokerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.brokers)
}

// getOrCreateBroker returns the existing broker for key, or constructs and
// registers a new one, reporting whether this call created it. Holding the
// Dispatcher's single mutex for the whole check-then-create keeps "at most
// one broker per key" an invariant rather than a race (spec §8, property 1).
func (d *Dispatcher) getOrCreateBroker(key docid.Key) (b *broker.Broker, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.brokers[key]; ok {
		return b, false
	}
	b = d.newBroker(key)
	d.brokers[key] = b
	return b, true
}

// forgetBrokerIfEmpty drops key from the broker map once its last session
// has left, so a closed document does not keep an idle worker pinned
// forever. Reports whether it actually deleted the broker.
func (d *Dispatcher) forgetBrokerIfEmpty(key docid.Key, b *broker.Broker) bool {
	if b.SessionCount() > 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.brokers[key] == b && b.SessionCount() == 0 {
		delete(d.brokers, key)
		return true
	}
	return false
}

// Documents returns the live broker list for the Admin Channel's
// `documents` command (spec §4.8): one record per currently loaded
// document.
func (d *Dispatcher) Documents() []*broker.Broker {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*broker.Broker, 0, len(d.brokers))
	for _, b := range d.brokers {
		out = append(out, b)
	}
	return out
}

// handleChildWS accepts a worker's registration connection (spec §6,
// "Worker→core"): the worker connects to an internal URL carrying its pid,
// and on upgrade is checked into the Worker Pool's idle list.
func (d *Dispatcher) handleChildWS(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.URL.Query().Get("pid"))
	if err != nil {
		http.Error(w, "missing or invalid pid", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[DISPATCH] child upgrade failed", "error", err)
		return
	}
	d.pool.CheckIn(&workerpool.Handle{PID: pid, Conn: conn})
	slog.Info("[DISPATCH] worker checked in", "pid", pid)
}

// handleClientWS accepts a browser connection: performs the loolclient
// handshake, reads the load command, resolves the Document Broker, and
// pumps frames between the browser and the broker's worker until the
// connection closes (spec §2's data-flow summary, §4.7).
func (d *Dispatcher) handleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[DISPATCH] client upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := d.handshake(conn); err != nil {
		slog.Debug("[DISPATCH] handshake failed", "error", err)
		return
	}

	loadLine, err := readTextFrame(conn)
	if err != nil {
		return
	}
	cmd, rest := protocol.CommandAndRest(loadLine)
	if cmd != "load" {
		sendProtocolError(conn, cmd, "invalid")
		closeGoingAway(conn, "expected load")
		return
	}
	params := protocol.ParseParams(rest)
	publicURL := params.String("url", "")
	if publicURL == "" {
		sendProtocolError(conn, "load", "syntax")
		closeGoingAway(conn, "missing url")
		return
	}
	password := params.String("password", "")
	author := params.String("author", "")

	sendStatusIndicator(conn, "find")

	key, err := docid.FromURL(publicURL)
	if err != nil {
		sendStatusIndicator(conn, "fail")
		sendProtocolError(conn, "load", "uriinvalid")
		closeGoingAway(conn, "invalid document url")
		return
	}

	b, created := d.getOrCreateBroker(key)
	sendStatusIndicator(conn, "connect")

	ctx, cancel := context.WithTimeout(r.Context(), handshakeDeadline)
	loadErr := b.Load(ctx, publicURL, password)
	cancel()
	if loadErr != nil {
		slog.Warn("[DISPATCH] load failed", "key", key, "error", loadErr)
		sendStatusIndicator(conn, "fail")
		d.closeForLoadFailure(conn, loadErr)
		d.forgetBrokerIfEmpty(key, b)
		return
	}
	if created {
		pid, _, _, _ := b.Stats()
		d.emit(fmt.Sprintf("document %d %s", pid, publicURL))
	}

	sessionID := uuid.NewString()
	clientSession, pair, err := b.AddSession(sessionID, conn)
	if err != nil {
		slog.Warn("[DISPATCH] add session failed", "error", err)
		sendStatusIndicator(conn, "fail")
		closeGoingAway(conn, "failed to attach session")
		d.forgetBrokerIfEmpty(key, b)
		return
	}
	if author != "" {
		clientSession.SetAuthor(userutil.SanitizeUsername(author))
	}
	sendStatusIndicator(conn, "ready")
	pid, _, _, _ := b.Stats()
	d.emit(fmt.Sprintf("addview %d", pid))

	loadMsg := fmt.Sprintf("load url=%s jail=%s", publicURL, b.JailedURL())
	if password != "" {
		loadMsg += " password=" + password
	}
	if err := pair.Worker.Send(websocket.TextMessage, []byte(loadMsg)); err != nil {
		slog.Warn("[DISPATCH] failed to inject load message", "error", err)
	}

	defer func() {
		b.RemoveSession(sessionID)
		d.emit(fmt.Sprintf("rmview %d", pid))
		if d.forgetBrokerIfEmpty(key, b) {
			d.emit(fmt.Sprintf("rmdoc %d", pid))
		}
	}()

	go pair.ReadClientSocket()
	_ = pair.PumpClientToWorker()
}

// handshake performs the version negotiation: the first client frame must
// be "loolclient <ver>", answered with "loolserver <ver>" on success, with
// an error of kind "invalid" when the command is not loolclient, and of kind
// "badversion" when the version is missing (spec §6).
func (d *Dispatcher) handshake(conn *websocket.Conn) error {
	line, err := readTextFrame(conn)
	if err != nil {
		return err
	}
	cmd, rest := protocol.CommandAndRest(line)
	if cmd != "loolclient" {
		sendProtocolError(conn, cmd, "invalid")
		return fmt.Errorf("dispatcher: expected loolclient, got %q", cmd)
	}
	if rest == "" {
		sendProtocolError(conn, "loolclient", "badversion")
		return fmt.Errorf("dispatcher: missing client version")
	}
	return writeTextFrame(conn, "loolserver "+protocolVersion)
}

func readTextFrame(conn *websocket.Conn) (string, error) {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if mt != websocket.TextMessage {
		return "", fmt.Errorf("dispatcher: expected text frame, got type %d", mt)
	}
	return string(data), nil
}

func writeTextFrame(conn *websocket.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func sendProtocolError(conn *websocket.Conn, cmd, kind string) {
	if err := writeTextFrame(conn, fmt.Sprintf("error: cmd=%s kind=%s", cmd, kind)); err != nil {
		slog.Debug("[DISPATCH] failed to send protocol error", "error", err)
	}
}

// sendStatusIndicator emits one of the connection-setup status frames
// (spec.md:155: "statusindicator: find", "connect", "ready", "fail").
func sendStatusIndicator(conn *websocket.Conn, status string) {
	if err := writeTextFrame(conn, "statusindicator: "+status); err != nil {
		slog.Debug("[DISPATCH] failed to send status indicator", "status", status, "error", err)
	}
}

func closeGoingAway(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

func closeInternalError(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

// closeForLoadFailure classifies a Broker.Load failure per spec.md:235-237
// and closes the connection accordingly: a storage access-denied/not-found
// failure gets a structured protocol error and a close with status 1011;
// a worker-acquisition timeout gets only the going-away close (the
// statusindicator: fail frame the caller already sent is the signal, per
// scenario S5); any other failure falls back to the generic uriinvalid
// error plus going-away close.
func (d *Dispatcher) closeForLoadFailure(conn *websocket.Conn, loadErr error) {
	if errors.Is(loadErr, workerpool.ErrTimeout) {
		closeGoingAway(conn, "worker acquisition timed out")
		return
	}
	switch storage.KindOf(loadErr) {
	case storage.FailureAccessDenied, storage.FailureNotFound:
		sendProtocolError(conn, "load", "uriinvalid")
		closeInternalError(conn, "document access denied or not found")
	default:
		sendProtocolError(conn, "load", "uriinvalid")
		closeGoingAway(conn, "load failed")
	}
}
