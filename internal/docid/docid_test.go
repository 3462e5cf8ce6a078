package docid

import (
	"path"
	"strings"
	"testing"
)

func TestFromURLStripsQueryAndFragment(t *testing.T) {
	a, err := FromURL("https://host.example/docs/report.odt?token=abc#page=3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := FromURL("https://host.example/docs/report.odt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
}

func TestFromURLIsCasePreserving(t *testing.T) {
	k, err := FromURL("https://Host.Example/Docs/Report.odt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(k), "Host.Example") || !strings.Contains(string(k), "Report.odt") {
		t.Fatalf("expected case-preserving key, got %q", k)
	}
}

func TestFromURLRejectsEmptyHost(t *testing.T) {
	if _, err := FromURL("https:///just/a/path"); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestCacheDirFanOut(t *testing.T) {
	k, err := FromURL("https://host.example/docs/report.odt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := k.CacheDir("/cache")
	digest := k.Digest()

	parts := strings.Split(strings.TrimPrefix(dir, "/cache/"), "/")
	if len(parts) != 4 {
		t.Fatalf("got %d path segments, want 4: %v", len(parts), parts)
	}
	if parts[0] != digest[0:1] || parts[1] != digest[0:2] || parts[2] != digest[0:3] || parts[3] != digest {
		t.Fatalf("unexpected fan-out segments: %v for digest %s", parts, digest)
	}
	if path.Base(dir) != digest {
		t.Fatalf("leaf dir = %q, want digest %q", path.Base(dir), digest)
	}
}

func TestDigestIsStableForSameKey(t *testing.T) {
	k, _ := FromURL("https://host.example/docs/report.odt")
	if k.Digest() != k.Digest() {
		t.Fatal("digest must be deterministic")
	}
}
