package admin

import (
	"context"
	"path/filepath"
	"testing"
)

func TestHistoryRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer h.Close()

	if err := h.Record("document 1 file:///tmp/a.odt"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := h.Record("rmdoc 1"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	lines, err := h.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(lines) != 2 || lines[0] != "rmdoc 1" {
		t.Fatalf("got %v, want newest-first [rmdoc 1, document 1 ...]", lines)
	}
}

func TestHistoryRecentRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer h.Close()

	for i := 0; i < 5; i++ {
		if err := h.Record("addview 1"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	lines, err := h.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}
