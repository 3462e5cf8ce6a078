package protocol

import "testing"

func TestParseParams(t *testing.T) {
	p := ParseParams("url=file%3A%2F%2F%2Ftmp%2Fdoc.odt author=Jane%20Doe")
	if p.String("url", "") != "file:///tmp/doc.odt" {
		t.Fatalf("got url=%q", p.String("url", ""))
	}
	if p.String("author", "") != "Jane Doe" {
		t.Fatalf("got author=%q", p.String("author", ""))
	}
}

func TestCommandAndRest(t *testing.T) {
	cmd, rest := CommandAndRest("load url=file:///tmp/doc.odt author=Jane")
	if cmd != "load" {
		t.Fatalf("got cmd=%q", cmd)
	}
	if rest != "url=file:///tmp/doc.odt author=Jane" {
		t.Fatalf("got rest=%q", rest)
	}
}

func TestCommandAndRestNoArgs(t *testing.T) {
	cmd, rest := CommandAndRest("takeedit")
	if cmd != "takeedit" || rest != "" {
		t.Fatalf("got cmd=%q rest=%q", cmd, rest)
	}
}

func TestParamsIntDefault(t *testing.T) {
	p := ParseParams("width=256")
	if p.Int("width", -1) != 256 {
		t.Fatal("expected parsed int")
	}
	if p.Int("height", -1) != -1 {
		t.Fatal("expected default for missing key")
	}
	if p.Int("width", -1); p.Has("missing") {
		t.Fatal("Has should be false for missing key")
	}
}

func TestEncodeOrdersByGivenKeys(t *testing.T) {
	got := Encode([]string{"url", "jail", "author"}, Params{
		"url":    "file:///tmp/doc.odt",
		"author": "Jane Doe",
	})
	want := "url=file%3A%2F%2F%2Ftmp%2Fdoc.odt author=Jane+Doe"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
