// Package broker implements the Document Broker from spec §4.6: the
// per-document-key container that owns one worker handle, one tile cache,
// and the set of live client sessions viewing that document, multiplexed
// over the worker's single control channel.
//
// Grounded on internal/tmux/session_manager.go's per-entity map-of-pointers
// ownership model (one manager owns many sessions/windows/panes behind a
// single sync.RWMutex-guarded map) generalized here to "one broker owns many
// client sessions behind one worker connection", and on
// internal/terminal/output_flush_manager.go's periodic threshold-triggered
// flush for the autoSave timer logic.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coolwsd/internal/docid"
	"coolwsd/internal/session"
	"coolwsd/internal/storage"
	"coolwsd/internal/tilecache"
	"coolwsd/internal/workerpool"
)

// Options configures the broker's autosave thresholds (spec §4.6).
type Options struct {
	// IdleSaveDuration is the minimum idle time across all sessions before
	// an idle-triggered save is considered.
	IdleSaveDuration time.Duration
	// AutoSaveDuration is the maximum time since the last save before a
	// save is triggered unconditionally.
	AutoSaveDuration time.Duration
	// JailRoot is the filesystem root under which worker jails live.
	JailRoot string
	// CacheRoot is the filesystem root under which per-document tile caches
	// live (spec §4.2, §6).
	CacheRoot string
	// StorageOptions is passed through to storage.New when constructing the
	// storage client on first load.
	StorageOptions storage.Options
}

func (o Options) withDefaults() Options {
	if o.IdleSaveDuration <= 0 {
		o.IdleSaveDuration = 30 * time.Second
	}
	if o.AutoSaveDuration <= 0 {
		o.AutoSaveDuration = 5 * time.Minute
	}
	return o
}

var errNotSupported = errors.New("broker: per-session worker conn adapter does not support reads; frames are demultiplexed centrally")

// Broker is the per-Document-Key container (spec §3). Invariants held while
// mu is locked: the session set size equals the number of live client
// sessions; the worker handle is non-nil between a successful Load and
// destruction; at most one session has the edit lock.
type Broker struct {
	Key  docid.Key
	opts Options
	pool *workerpool.Pool

	mu            sync.Mutex
	loaded        bool
	publicURL     string
	credentials   string
	jailedURL     string
	jailID        string
	worker        *workerpool.Handle
	storageClient storage.Client
	cache         *tilecache.Cache
	sessions      map[string]*session.Session
	pairs         map[string]*session.Pair
	lastSaveTime  time.Time
	loadedAt      time.Time
	modified      bool
	lockHolder    string

	writeMu        sync.Mutex // serializes writes to worker.Conn across all sessions' adapters
	statusReceived bool
	loadedCh       chan struct{}
}

// New constructs an unloaded Broker for key. Call Load before adding
// sessions.
func New(key docid.Key, pool *workerpool.Pool, opts Options) *Broker {
	return &Broker{
		Key:      key,
		opts:     opts.withDefaults(),
		pool:     pool,
		sessions: make(map[string]*session.Session),
		pairs:    make(map[string]*session.Pair),
		loadedCh: make(chan struct{}),
	}
}

// Load is idempotent: the first caller constructs the storage client,
// acquires a worker from the pool, creates the tile cache (comparing its
// stored modification time against the remote to decide whether to purge),
// and stages the document into the worker's jail. Subsequent callers return
// immediately once the first call has completed (spec §4.6).
func (b *Broker) Load(ctx context.Context, publicURL, credentials string) error {
	b.mu.Lock()
	if b.loaded {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	client, err := storage.New(publicURL, credentials, b.opts.StorageOptions)
	if err != nil {
		return fmt.Errorf("broker: construct storage client: %w", err)
	}
	info, err := client.GetFileInfo(ctx)
	if err != nil {
		return fmt.Errorf("broker: get file info: %w", err)
	}

	worker, err := b.pool.AcquireWorker(ctx)
	if err != nil {
		return fmt.Errorf("broker: acquire worker: %w", err)
	}

	jailID := fmt.Sprintf("%d", worker.PID)
	cache, err := tilecache.Open(b.opts.CacheRoot, b.Key, info.LastModified)
	if err != nil {
		return fmt.Errorf("broker: open tile cache: %w", err)
	}

	jailDir := storage.JailPath(b.opts.JailRoot, jailID)
	jailedPath, err := client.LoadToLocal(ctx, jailDir)
	if err != nil {
		return fmt.Errorf("broker: stage document into jail: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return nil
	}
	b.publicURL = publicURL
	b.credentials = credentials
	b.storageClient = client
	b.worker = worker
	b.jailID = jailID
	b.jailedURL = "file://" + jailedPath
	b.cache = cache
	b.loaded = true
	b.loadedAt = time.Now()

	go b.readWorkerLoop()
	return nil
}

// Loaded returns a channel closed once the worker has emitted its first
// status frame (spec §4.5: status "marks the document as loaded").
func (b *Broker) Loaded() <-chan struct{} {
	return b.loadedCh
}

// TileCache returns the broker's tile cache.
func (b *Broker) TileCache() *tilecache.Cache {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache
}

// JailedURL returns the jail-local file:// URL the document was staged to by
// Load, for constructing the worker's load message. Empty before Load
// completes.
func (b *Broker) JailedURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jailedURL
}

// Stats returns the fields the Admin Channel's `documents` listing needs:
// the worker's pid, the document's public URL, the live session count, and
// how long it has been since Load completed (spec §4.8).
func (b *Broker) Stats() (pid int, publicURL string, sessions int, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.worker != nil {
		pid = b.worker.PID
	}
	return pid, b.publicURL, len(b.sessions), time.Since(b.loadedAt)
}

// SessionCount reports the number of live sessions, for the admin channel
// and for the Dispatcher's "was this the last session" check.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// AddSession inserts a new client-role session bound to clientConn, wires up
// its Pair against the shared worker connection, and notifies the worker to
// create a view for it (spec §4.6).
func (b *Broker) AddSession(id string, clientConn session.Conn) (*session.Session, *session.Pair, error) {
	b.mu.Lock()
	if !b.loaded {
		b.mu.Unlock()
		return nil, nil, errors.New("broker: document not loaded")
	}
	clientSession := session.New(id, session.RoleClient, clientConn)
	workerConn := &workerConnAdapter{id: id, mu: &b.writeMu, shared: b.worker.Conn}
	workerSession := session.New(id, session.RoleWorker, workerConn)
	pair := session.NewPair(clientSession, workerSession, b.cache, b)
	b.sessions[id] = clientSession
	b.pairs[id] = pair
	b.mu.Unlock()

	if err := b.writeRaw(fmt.Sprintf("session %s %s", id, b.Key.String())); err != nil {
		return nil, nil, fmt.Errorf("broker: notify worker of new session: %w", err)
	}
	return clientSession, pair, nil
}

// RemoveSession erases the session and, if it held the edit lock, transfers
// the lock to one of the remaining sessions (spec §4.5/§4.6). Sessions are
// kept in a map, so which remaining session receives the lock is not
// defined; it is not the earliest-added one.
func (b *Broker) RemoveSession(id string) {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, id)
	delete(b.pairs, id)
	hadLock := b.lockHolder == id
	if hadLock {
		b.lockHolder = ""
	}
	var next *session.Session
	if hadLock {
		for _, s := range b.sessions {
			next = s
			break
		}
	}
	b.mu.Unlock()

	sess.Queue.Close()
	if hadLock && next != nil {
		b.transferLock(next)
	}
}

func (b *Broker) transferLock(to *session.Session) {
	to.SetEditLock(true)
	b.mu.Lock()
	b.lockHolder = to.ID
	b.mu.Unlock()
	if err := to.Send(websocket.TextMessage, []byte("editlock: 1")); err != nil {
		slog.Debug("[BROKER] failed to notify transferred edit-lock holder", "session", to.ID, "error", err)
	}
}

// RequestEditLock implements session.DocumentState: clears the lock on every
// other session, sets it on requester, and broadcasts editlock state to both
// (spec §4.5).
func (b *Broker) RequestEditLock(requester *session.Session) {
	b.mu.Lock()
	var others []*session.Session
	for _, s := range b.sessions {
		if s != requester && s.EditLock() {
			s.SetEditLock(false)
			others = append(others, s)
		}
	}
	b.lockHolder = requester.ID
	b.mu.Unlock()

	for _, s := range others {
		if err := s.Send(websocket.TextMessage, []byte("editlock: 0")); err != nil {
			slog.Debug("[BROKER] failed to notify cleared edit-lock holder", "session", s.ID, "error", err)
		}
	}
	requester.SetEditLock(true)
	if err := requester.Send(websocket.TextMessage, []byte("editlock: 1")); err != nil {
		slog.Debug("[BROKER] failed to notify new edit-lock holder", "session", requester.ID, "error", err)
	}
}

// SaveStatus implements session.DocumentState: records the worker's status
// sidecar and marks the document loaded on the first status received.
func (b *Broker) SaveStatus(line string) {
	b.mu.Lock()
	cache := b.cache
	first := !b.statusReceived
	b.statusReceived = true
	b.mu.Unlock()

	if cache != nil {
		if err := cache.SaveTextFile(tilecache.Status, line); err != nil {
			slog.Warn("[BROKER] failed to save status sidecar", "error", err)
		}
	}
	if first {
		close(b.loadedCh)
	}
}

// SetModified implements session.DocumentState.
func (b *Broker) SetModified(modified bool) {
	b.mu.Lock()
	b.modified = modified
	b.mu.Unlock()
}

// TriggerSaveFromLocal implements session.DocumentState: invoked on a
// successful .uno:Save unocommandresult.
func (b *Broker) TriggerSaveFromLocal() error {
	return b.Save(context.Background())
}

// RewriteSaveAsURL implements session.DocumentState: rewrites a jail-local
// file:// path into the public download path served by the HTTP surface's
// /<jailId>/<childId>/<filename> route (spec §4.5, §4.12).
func (b *Broker) RewriteSaveAsURL(jailedURL string) (string, error) {
	b.mu.Lock()
	jailID := b.jailID
	jailRoot := b.opts.JailRoot
	b.mu.Unlock()

	prefix := "file://" + storage.JailPath(jailRoot, jailID)
	rel := strings.TrimPrefix(jailedURL, prefix)
	if rel == jailedURL {
		return jailedURL, nil
	}
	return "/" + jailID + "/" + jailID + rel, nil
}

// Save delegates to the storage client; on success it bumps lastSaveTime and
// tells the tile cache the document was saved (spec §4.6).
func (b *Broker) Save(ctx context.Context) error {
	b.mu.Lock()
	client := b.storageClient
	jailedURL := b.jailedURL
	cache := b.cache
	b.mu.Unlock()
	if client == nil {
		return errors.New("broker: save before load")
	}

	localPath := strings.TrimPrefix(jailedURL, "file://")
	if err := client.SaveFromLocal(ctx, localPath); err != nil {
		return fmt.Errorf("broker: save from local: %w", err)
	}

	b.mu.Lock()
	b.lastSaveTime = time.Now()
	b.modified = false
	b.mu.Unlock()

	if cache != nil {
		return cache.DocumentSaved()
	}
	return nil
}

// AutoSave inspects each session's last-activity time and triggers a save by
// enqueueing "uno .uno:Save" on one session's queue when either the minimum
// idle duration across sessions has passed IdleSaveDuration and there has
// been activity since the last save, or the time since the last save has
// passed AutoSaveDuration, or force is true and the document is modified
// (spec §4.6).
func (b *Broker) AutoSave(force bool) {
	b.mu.Lock()
	if len(b.sessions) == 0 {
		b.mu.Unlock()
		return
	}
	var minIdle time.Duration = -1
	var anySession *session.Session
	for _, s := range b.sessions {
		idle := s.IdleSince()
		if minIdle < 0 || idle < minIdle {
			minIdle = idle
		}
		anySession = s
	}
	sinceLastSave := time.Since(b.lastSaveTime)
	modified := b.modified
	idleThreshold := b.opts.IdleSaveDuration
	autoThreshold := b.opts.AutoSaveDuration
	b.mu.Unlock()

	activitySinceLastSave := minIdle < sinceLastSave
	shouldSave := (minIdle >= idleThreshold && activitySinceLastSave) ||
		sinceLastSave >= autoThreshold ||
		(force && modified)

	if shouldSave && anySession != nil {
		anySession.Queue.Put([]byte("uno .uno:Save"))
	}
}

func (b *Broker) writeRaw(line string) error {
	b.mu.Lock()
	worker := b.worker
	b.mu.Unlock()
	if worker == nil {
		return errors.New("broker: no worker handle")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return worker.Conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// readWorkerLoop is the broker's single actor goroutine reading the shared
// worker connection: every frame is tagged with its originating session id
// as a leading token, and is demultiplexed to the owning Pair.
func (b *Broker) readWorkerLoop() {
	for {
		b.mu.Lock()
		worker := b.worker
		b.mu.Unlock()
		if worker == nil {
			return
		}
		mt, data, err := worker.Conn.ReadMessage()
		if err != nil {
			slog.Info("[BROKER] worker connection closed", "key", b.Key, "error", err)
			return
		}
		b.routeWorkerFrame(mt, data)
	}
}

func (b *Broker) routeWorkerFrame(mt int, data []byte) {
	var header string
	var payloadStart int
	if mt == websocket.BinaryMessage {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		header = string(data[:idx])
		payloadStart = idx + 1
	} else {
		header = string(data)
		payloadStart = len(data)
	}

	id, rest, ok := strings.Cut(header, " ")
	if !ok {
		return
	}

	b.mu.Lock()
	pair := b.pairs[id]
	b.mu.Unlock()
	if pair == nil {
		return
	}

	if mt == websocket.BinaryMessage {
		frame := append([]byte(rest+"\n"), data[payloadStart:]...)
		pair.HandleWorkerFrame(mt, frame)
		return
	}
	pair.HandleWorkerFrame(mt, []byte(rest))
}

// workerConnAdapter lets each session Pair write to the broker's single
// shared worker connection as if it owned a dedicated one: outgoing text
// frames are tagged with the session id, matching the tagging the worker
// itself uses on its replies (spec §4.6's "session <id> <docKey>" framing).
type workerConnAdapter struct {
	id     string
	mu     *sync.Mutex
	shared session.Conn
}

func (a *workerConnAdapter) WriteMessage(messageType int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if messageType == websocket.TextMessage {
		line := append([]byte(a.id+" "), data...)
		return a.shared.WriteMessage(messageType, line)
	}
	return a.shared.WriteMessage(messageType, data)
}

func (a *workerConnAdapter) ReadMessage() (int, []byte, error) {
	return 0, nil, errNotSupported
}

func (a *workerConnAdapter) Close() error { return nil }
