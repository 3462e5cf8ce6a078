// Package admin implements the Admin Channel from spec §4.8: a separate
// WebSocket endpoint for authenticated operators to query the live document
// list, memory/CPU sampling windows, and subscribe to model-update events
// pushed as documents and sessions come and go.
//
// Grounded on internal/wsserver/hub.go's subscribe/unsubscribe handling,
// generalized from one JSON-message single-client hub to a text-command
// protocol serving any number of concurrently-connected subscribers, and on
// internal/sessionlog/handler.go's TeeHandler shape for broadcasting
// already-formatted lines to whichever subscribers asked for that topic.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coolwsd/internal/broker"
)

const authDeadline = 10 * time.Second
const writeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DocumentSource supplies the live broker list the `documents`,
// `active_users_count`, and `active_docs_count` commands report. Satisfied
// by *dispatcher.Dispatcher; kept as an interface so this package does not
// need to import the dispatcher's HTTP-upgrade machinery.
type DocumentSource interface {
	Documents() []*broker.Broker
}

// Credentials are the configured admin console login (spec §6's
// admin_console.username/password); Password is a bcrypt hash, never the
// plaintext secret.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Channel.
type Options struct {
	Path        string        // WebSocket path, default "/adminws"
	MemWindow   int           // samples kept for mem_stats, default 50
	CPUWindow   int           // samples kept for cpu_stats, default 50
	SampleEvery time.Duration // sampler tick interval, default 5s
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = "/adminws"
	}
	if o.MemWindow <= 0 {
		o.MemWindow = 50
	}
	if o.CPUWindow <= 0 {
		o.CPUWindow = 50
	}
	if o.SampleEvery <= 0 {
		o.SampleEvery = 5 * time.Second
	}
	return o
}

// Channel is the Admin Channel server: one HTTP listener, any number of
// concurrently-connected subscriber sessions, and the two sampler tickers
// feeding mem_stats/cpu_stats (spec §5: "two timer threads").
type Channel struct {
	opts    Options
	docs    DocumentSource
	creds   Credentials
	history *History // optional; nil disables persistence

	mem *window
	cpu *window

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	listener     net.Listener
	server       *http.Server
	stopSamplers context.CancelFunc
}

type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	topics map[string]bool
}

func (s *subscriber) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[topic]
}

func (s *subscriber) setSubscribed(topic string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.topics[topic] = true
	} else {
		delete(s.topics, topic)
	}
}

func (s *subscriber) send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// New constructs a Channel. history may be nil to disable persistence.
func New(docs DocumentSource, creds Credentials, history *History, opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		opts:        opts,
		docs:        docs,
		creds:       creds,
		history:     history,
		mem:         newWindow(opts.MemWindow),
		cpu:         newWindow(opts.CPUWindow),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// ModelEvent feeds one already-formatted model-update line (spec §4.8:
// "document <pid> <url>", "addview <pid>", "rmview <pid>", "rmdoc <pid>",
// plus this channel's own "mem_stats <v>"/"cpu_stats <v>") into history and
// the subscriber broadcast. Intended as the callback registered with
// dispatcher.Dispatcher.SetModelListener.
func (c *Channel) ModelEvent(line string) {
	if c.history != nil {
		if err := c.history.Record(line); err != nil {
			slog.Warn("[ADMIN] failed to persist model event", "error", err)
		}
	}
	c.broadcast(line)
}

func (c *Channel) broadcast(line string) {
	topic, _, _ := strings.Cut(line, " ")

	c.mu.Lock()
	targets := make([]*subscriber, 0, len(c.subscribers))
	for s := range c.subscribers {
		if s.subscribed(topic) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		if err := s.send(line); err != nil {
			slog.Debug("[ADMIN] dropping dead subscriber", "error", err)
			c.removeSubscriber(s)
		}
	}
}

func (c *Channel) removeSubscriber(s *subscriber) {
	c.mu.Lock()
	delete(c.subscribers, s)
	c.mu.Unlock()
	s.conn.Close()
}

// Start begins listening on addr and runs the mem/cpu sampler tickers.
func (c *Channel) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen: %w", err)
	}
	c.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(c.opts.Path, c.handleWS)
	c.server = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	samplerCtx, cancel := context.WithCancel(ctx)
	c.stopSamplers = cancel
	go c.runSamplers(samplerCtx)

	go func() {
		if serveErr := c.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("[ADMIN] server error", "error", serveErr)
		}
	}()
	slog.Info("[ADMIN] listening", "addr", ln.Addr().String())
	return nil
}

// Stop stops the sampler tickers and shuts down the HTTP server.
func (c *Channel) Stop(ctx context.Context) error {
	if c.stopSamplers != nil {
		c.stopSamplers()
	}
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (c *Channel) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *Channel) runSamplers(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SampleEvery)
	defer ticker.Stop()

	lastCPU := readProcessCPUJiffies()
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			memKb := int(readHeapAllocKb())
			c.mem.add(memKb)
			c.ModelEvent(fmt.Sprintf("mem_stats %d", memKb))

			cpuNow := readProcessCPUJiffies()
			elapsed := now.Sub(lastAt).Seconds()
			pct := 0
			if elapsed > 0 && cpuNow >= lastCPU {
				pct = int(float64(cpuNow-lastCPU) / clockTicksPerSecond / elapsed * 100)
			}
			lastCPU = cpuNow
			lastAt = now
			c.cpu.add(pct)
			c.ModelEvent(fmt.Sprintf("cpu_stats %d", pct))
		}
	}
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[ADMIN] upgrade failed", "error", err)
		return
	}

	if !c.authenticate(conn) {
		closeGoingAway(conn, "authentication failed")
		conn.Close()
		return
	}

	sub := &subscriber{conn: conn, topics: make(map[string]bool)}
	c.mu.Lock()
	c.subscribers[sub] = struct{}{}
	c.mu.Unlock()
	defer c.removeSubscriber(sub)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.handleCommand(sub, string(data))
	}
}

// authenticate reads the connection's first frame, expected to be
// "auth <username> <password>", and answers "okframe" on success. The
// handshake shape is this repo's own choice (spec §4.8 is silent on it):
// a single command frame keeps the protocol consistent with every other
// admin command instead of introducing HTTP basic auth for one endpoint.
func (c *Channel) authenticate(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 3 || fields[0] != "auth" {
		return false
	}
	if fields[1] != c.creds.Username || !CheckPassword(c.creds.Password, fields[2]) {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.TextMessage, []byte("okframe")) == nil
}

func (c *Channel) handleCommand(sub *subscriber, line string) {
	cmd, rest := splitCommand(line)
	switch cmd {
	case "documents":
		sub.send(c.documentsReply())
	case "active_users_count":
		sub.send(strconv.Itoa(c.activeUsersCount()))
	case "active_docs_count":
		sub.send(strconv.Itoa(len(c.docs.Documents())))
	case "mem_stats":
		sub.send(c.mem.String())
	case "cpu_stats":
		sub.send(c.cpu.String())
	case "subscribe":
		for _, topic := range strings.Fields(rest) {
			sub.setSubscribed(topic, true)
		}
	case "unsubscribe":
		for _, topic := range strings.Fields(rest) {
			sub.setSubscribed(topic, false)
		}
	default:
		sub.send(fmt.Sprintf("error: cmd=%s kind=unknown", cmd))
	}
}

func splitCommand(line string) (cmd, rest string) {
	cmd, rest, _ = strings.Cut(strings.TrimSpace(line), " ")
	return cmd, rest
}

func (c *Channel) activeUsersCount() int {
	total := 0
	for _, b := range c.docs.Documents() {
		_, _, sessions, _ := b.Stats()
		total += sessions
	}
	return total
}

// documentsReply formats the `documents` command's response: one
// "<pid> <url> <viewCount> <memKb> <elapsedSeconds>" record per live
// broker, newline-terminated (spec §4.8).
func (c *Channel) documentsReply() string {
	var sb strings.Builder
	for _, b := range c.docs.Documents() {
		pid, url, sessions, elapsed := b.Stats()
		fmt.Fprintf(&sb, "%d %s %d %d %d\n", pid, url, sessions, readPidMemKb(pid), int(elapsed.Seconds()))
	}
	return sb.String()
}

func closeGoingAway(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
