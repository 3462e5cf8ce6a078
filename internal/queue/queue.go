// Package queue implements the per-session message queue described in
// spec §4.1: a single-producer(-many)/single-consumer FIFO with a small set
// of tile-specific priority and dedup policies layered on top of plain
// append-to-tail.
package queue

import (
	"bytes"
	"strings"
	"sync"
)

const (
	tileCommand        = "tile"
	tileCombineCommand  = "tilecombine"
	cancelTilesCommand  = "canceltiles"
)

// Queue is a bounded-only-by-memory FIFO of byte-buffer messages. The zero
// value is not usable; construct with New.
//
// Lock ordering: Queue has a single mutex guarding the backing slice; get()
// additionally waits on a sync.Cond built on that same mutex. There is no
// second lock to order against.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries [][]byte
	closed  bool
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues message, applying the three producer-side policies from
// spec §4.1 before appending:
//
//  1. canceltiles: every queued "tile ..." entry without an id= parameter is
//     removed, then canceltiles itself is pushed to the head.
//  2. a byte-identical "tile " entry already queued: the new message is
//     dropped (dedup).
//  3. otherwise: append to tail.
func (q *Queue) Put(message []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	firstLine := firstLine(message)

	if firstLine == cancelTilesCommand || strings.HasPrefix(firstLine, cancelTilesCommand+" ") {
		q.purgeCancellableTiles()
		q.entries = append([][]byte{message}, q.entries...)
		q.cond.Signal()
		return
	}

	if strings.HasPrefix(firstLine, tileCommand+" ") {
		for _, existing := range q.entries {
			if bytes.Equal(existing, message) {
				return
			}
		}
	}

	q.entries = append(q.entries, message)
	q.cond.Signal()
}

// purgeCancellableTiles removes every queued "tile ..." entry that does not
// carry an id= parameter. Tiles tagged with id= are thumbnails/previews and
// survive cancellation. Must be called with q.mu held.
func (q *Queue) purgeCancellableTiles() {
	kept := q.entries[:0]
	for _, entry := range q.entries {
		line := firstLine(entry)
		if strings.HasPrefix(line, tileCommand+" ") && !hasIDParam(line) {
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
}

// Get blocks until a message is available and returns the head, removing it.
// Returns nil once the queue has been permanently closed and drained (the
// sentinel empty-message protocol from spec §4.1: producers
// enqueue an empty []byte to signal shutdown; Get returns that empty message
// once, like any other entry, so the consumer can observe it and exit).
func (q *Queue) Get() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.entries) == 0 {
		return nil
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	return head
}

// Clear atomically removes every queued message without waking Get; a
// subsequent Get blocks again until the next Put.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}

// Close unblocks any pending or future Get with a nil, permanently. Used
// during session teardown so the consumer goroutine does not leak if no
// sentinel message was ever enqueued.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the current queue length, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func firstLine(message []byte) string {
	if idx := bytes.IndexByte(message, '\n'); idx >= 0 {
		return string(message[:idx])
	}
	return string(message)
}

func hasIDParam(line string) bool {
	for _, field := range strings.Fields(line) {
		if strings.HasPrefix(field, "id=") {
			return true
		}
	}
	return false
}
