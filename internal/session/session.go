// Package session implements the Session Pair from spec §4.5: two peer
// endpoints, client-facing and worker-facing, bound together once both exist,
// plus the worker→client snooping layer that keeps the Document Broker and
// Tile Cache consistent without blocking the worker.
//
// Grounded on internal/wsserver/hub.go's write-serialization shape (a
// writeMu guarding gorilla/websocket's WriteMessage, which is not safe for
// concurrent callers) and on internal/tmux/command_router.go's habit of
// giving independent state its own small mutex rather than one coarse lock.
package session

import (
	"sync"
	"time"

	"coolwsd/internal/queue"
)

// Role distinguishes the two halves of a Session Pair (spec §3).
type Role int

const (
	RoleClient Role = iota
	RoleWorker
)

// Conn is the duplex frame-stream contract a Session's underlying channel
// must satisfy. A *websocket.Conn satisfies this structurally.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// LoadFailureKind is the reason a document load failed, set by the snoop
// layer on an `error: cmd=load kind=...` frame from the worker (spec §4.5).
type LoadFailureKind string

const (
	LoadFailurePasswordRequired LoadFailureKind = "passwordrequired"
	LoadFailureWrongPassword    LoadFailureKind = "wrongpassword"
)

// saveAsQueueCap bounds the save-as rendezvous queue to one outstanding
// result, per spec §3's "one-shot rendezvous".
const saveAsQueueCap = 1

// Session is a client-facing or worker-facing endpoint (spec §3). Each field
// group below guards itself with its own mutex, rather than one coarse lock,
// because the Dispatcher and the snoop layer touch independent pieces of
// state from different goroutines and none of these updates need to be
// seen atomically with each other.
type Session struct {
	ID     string
	Role   Role
	conn   Conn
	connMu sync.Mutex // serializes WriteMessage; gorilla/websocket forbids concurrent writers

	peerMu sync.RWMutex
	peer   *Session

	lockMu   sync.Mutex
	editLock bool // client-role only

	activityMu   sync.Mutex
	lastActivity time.Time
	active       bool

	loadMu      sync.Mutex
	author      string
	loadFailure LoadFailureKind

	saveAs chan string

	// Queue is the per-session Message Queue (spec §4.1) that sits between
	// this session's raw socket read pump and the client→worker pump: the
	// socket read pump enqueues every incoming frame via EnqueueFromSocket,
	// and PumpClientToWorker consumes it. Only meaningful for client-role
	// sessions; worker-role sessions leave it unused.
	Queue *queue.Queue
}

// New constructs a Session bound to conn. The peer is bound later via
// SetPeer, once the counterpart half of the pair exists.
func New(id string, role Role, conn Conn) *Session {
	return &Session{
		ID:           id,
		Role:         role,
		conn:         conn,
		lastActivity: time.Now(),
		active:       true,
		saveAs:       make(chan string, saveAsQueueCap),
		Queue:        queue.New(),
	}
}

// EnqueueFromSocket records activity and places a frame just read off the
// socket onto this session's Message Queue, applying the queue's
// canceltiles/tile-dedup policies (spec §4.1).
func (s *Session) EnqueueFromSocket(data []byte) {
	s.Touch()
	s.Queue.Put(data)
}

// SetPeer binds s and peer to each other, completing the pair.
func SetPeer(a, b *Session) {
	a.peerMu.Lock()
	a.peer = b
	a.peerMu.Unlock()
	b.peerMu.Lock()
	b.peer = a
	b.peerMu.Unlock()
}

// Peer returns the bound counterpart, or nil if not yet bound.
func (s *Session) Peer() *Session {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peer
}

// Send writes a frame to this session's own channel, serialized against
// concurrent callers.
func (s *Session) Send(messageType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Read blocks for the next incoming frame on this session's channel.
func (s *Session) Read() (messageType int, data []byte, err error) {
	return s.conn.ReadMessage()
}

// Close closes the underlying channel.
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.Close()
}

// SetEditLock sets or clears this session's edit-lock flag (spec §4.5).
func (s *Session) SetEditLock(held bool) {
	s.lockMu.Lock()
	s.editLock = held
	s.lockMu.Unlock()
}

// EditLock reports whether this session currently holds the edit lock.
func (s *Session) EditLock() bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return s.editLock
}

// Touch records activity now, for the Broker's autoSave idle computation.
func (s *Session) Touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// IdleSince reports how long it has been since the last recorded activity.
func (s *Session) IdleSince() time.Duration {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return time.Since(s.lastActivity)
}

// SetActive marks the session's liveness flag, used by commands like
// useractive/userinactive that pass through regardless of edit lock.
func (s *Session) SetActive(active bool) {
	s.activityMu.Lock()
	s.active = active
	s.activityMu.Unlock()
}

// Active reports the session's liveness flag.
func (s *Session) Active() bool {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.active
}

// SetAuthor records the author name set by load, for attribution in the
// broker's session listing (admin channel).
func (s *Session) SetAuthor(author string) {
	s.loadMu.Lock()
	s.author = author
	s.loadMu.Unlock()
}

// Author returns the recorded author name.
func (s *Session) Author() string {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.author
}

// MarkLoadFailed records that this session's load failed with kind, per an
// `error: cmd=load kind=...` frame from the worker (spec §4.5).
func (s *Session) MarkLoadFailed(kind LoadFailureKind) {
	s.loadMu.Lock()
	s.loadFailure = kind
	s.loadMu.Unlock()
}

// LoadFailure returns the recorded load-failure kind, or "" if load has not
// failed.
func (s *Session) LoadFailure() LoadFailureKind {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.loadFailure
}

// PushSaveAsURL places url in the one-shot save-as rendezvous queue,
// replacing any previous unconsumed value (spec §4.5: the snoop layer
// pushes the rewritten saveas URL for the convert-to handler to collect).
func (s *Session) PushSaveAsURL(url string) {
	select {
	case <-s.saveAs:
	default:
	}
	s.saveAs <- url
}

// AwaitSaveAsURL blocks until a save-as URL is pushed, or done fires.
func (s *Session) AwaitSaveAsURL(done <-chan struct{}) (string, bool) {
	select {
	case url := <-s.saveAs:
		return url, true
	case <-done:
		return "", false
	}
}
