// Package wsdlog implements the Logging ambient stack (spec §4.10): a
// log/slog root logger whose records are additionally teed to the Admin
// Channel's subscribed connections, so operators watching the console see
// document lifecycle and resource events live.
//
// Grounded on internal/sessionlog/handler.go's TeeHandler: same
// base-handler-plus-callback shape, generalized from "tee to the desktop
// frontend's event bus" to "tee to admin-channel subscribers".
package wsdlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// Entry is one log record delivered to a subscriber callback.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Tag     string // accumulated dot-separated slog group name, e.g. "BROKER"
}

// EntryCallback receives every record at or above a TeeHandler's minLevel.
type EntryCallback func(Entry)

// callbackBox holds the mutable tee callback shared by a TeeHandler and
// every handler derived from it via WithAttrs/WithGroup (log/slog derives a
// fresh handler per call to Logger.With/WithGroup, so the callback must live
// behind a shared pointer for SetCallback to reach all of them).
type callbackBox struct {
	mu sync.RWMutex
	cb EntryCallback
}

func (b *callbackBox) get() EntryCallback {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

func (b *callbackBox) set(cb EntryCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = cb
}

// TeeHandler wraps a base slog.Handler and additionally invokes a shared
// callback for every record at or above minLevel. All records are forwarded
// to base regardless of level; only the callback invocation is gated.
type TeeHandler struct {
	base     slog.Handler
	callback *callbackBox
	minLevel slog.Level
	group    string
}

// NewTeeHandler creates a TeeHandler delegating to base. A nil callback is
// safe: the handler simply delegates without teeing.
func NewTeeHandler(base slog.Handler, minLevel slog.Level, callback EntryCallback) *TeeHandler {
	return &TeeHandler{base: base, callback: &callbackBox{cb: callback}, minLevel: minLevel}
}

// Enabled reports whether the base handler is enabled for level; the
// callback threshold does not affect visibility to the base handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards record to the base handler, then invokes the callback if
// the record's level meets minLevel. A panicking callback is recovered and
// reported to stderr directly, avoiding recursion back into this handler.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)

	if cb := h.callback.get(); cb != nil && record.Level >= h.minLevel {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "[wsdlog] callback panicked: %v\n%s\n", r, debug.Stack())
				}
			}()
			cb(Entry{Time: record.Time, Level: record.Level, Message: record.Message, Tag: h.group})
		}()
	}
	return err
}

// WithAttrs returns a new TeeHandler whose base handler has attrs applied.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &TeeHandler{base: h.base.WithAttrs(attrs), callback: h.callback, minLevel: h.minLevel, group: h.group}
}

// WithGroup returns a new TeeHandler whose base handler is wrapped with
// name, appended to the accumulated group string.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &TeeHandler{base: h.base.WithGroup(name), callback: h.callback, minLevel: h.minLevel, group: newGroup}
}

// Setup installs a TeeHandler-wrapped JSON handler as the slog default
// logger and returns it so callers can attach/detach admin subscribers via
// SetCallback. w is typically os.Stderr.
func Setup(w *os.File, level slog.Level) *TeeHandler {
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	h := NewTeeHandler(base, slog.LevelInfo, nil)
	slog.SetDefault(slog.New(h))
	return h
}

// SetCallback replaces the handler's tee callback. Used by the Admin Channel
// to start/stop pushing log records to its subscribers as they connect and
// disconnect.
func (h *TeeHandler) SetCallback(cb EntryCallback) {
	h.callback.set(cb)
}
