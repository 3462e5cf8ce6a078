// Package protocol parses and renders the text-line wire commands described
// in spec §6: the client<->server command vocabulary, tile identities, and
// invalidation rectangles. It has no knowledge of sessions, brokers, or the
// network; it is pure parsing/formatting so it can be exercised by table
// tests without any I/O.
package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Params is a parsed "key=value key2=value2" parameter set from a command's
// first line (everything after the command token). Values are stored
// URL-decoded.
type Params map[string]string

// ParseParams splits line on whitespace and decodes key=value tokens. Tokens
// without '=' are ignored; malformed percent-encoding falls back to the raw
// token value so a single bad parameter does not abort parsing the rest.
func ParseParams(line string) Params {
	p := Params{}
	for _, tok := range strings.Fields(line) {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		p[key] = value
	}
	return p
}

// CommandAndRest splits a wire line into its leading command token and the
// remainder of the line (trimmed of the separating space).
func CommandAndRest(line string) (cmd string, rest string) {
	cmd, rest, _ = strings.Cut(line, " ")
	return cmd, rest
}

// Int returns the integer value of key, or def if the key is missing or not
// a valid integer.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// String returns the string value of key, or def if missing.
func (p Params) String(key string, def string) string {
	v, ok := p[key]
	if !ok {
		return def
	}
	return v
}

// Has reports whether key was present in the parsed parameter set.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Encode renders params back into "key=value" tokens, URL-encoding values,
// sorted by a caller-supplied key order for determinism in generated
// messages (e.g. the load line the Dispatcher injects for the worker).
func Encode(order []string, p Params) string {
	var b strings.Builder
	first := true
	for _, key := range order {
		v, ok := p[key]
		if !ok {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&b, "%s=%s", key, url.QueryEscape(v))
	}
	return b.String()
}
