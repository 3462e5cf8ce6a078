package session

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/gorilla/websocket"

	"coolwsd/internal/protocol"
	"coolwsd/internal/tilecache"
)

// commandValuesPayload is the JSON body of a `commandvalues: {...}` frame.
type commandValuesPayload struct {
	CommandName string `json:"commandName"`
}

// unoCommandResultPayload is the JSON body of a `unocommandresult: {...}`
// frame.
type unoCommandResultPayload struct {
	CommandName string `json:"commandName"`
	Success     bool   `json:"success"`
}

// dummyMsg replaces a non-viewer command sent by a client session that does
// not hold the edit lock (spec §4.5).
const dummyMsg = "dummymsg"

// alwaysForwarded are commands forwarded regardless of edit-lock state:
// the three named exceptions (downloadas, useractive, userinactive) plus
// the viewer/view-management commands that never mutate document content
// and so need no lock, and the one-time load injection and lock-request
// commands which must reach the worker to have any effect at all.
var alwaysForwarded = map[string]bool{
	"downloadas":         true,
	"useractive":         true,
	"userinactive":       true,
	"tile":               true,
	"tilecombine":        true,
	"canceltiles":        true,
	"clientzoom":         true,
	"clientvisiblearea":  true,
	"outlinestate":       true,
	"commandvalues":      true,
	"partpagerectangles": true,
	"renderfont":         true,
	"load":               true,
	"attemptlock":        true,
	"takeedit":           true,
}

// DocumentState is the narrow slice of Document Broker behavior the snoop
// layer needs, kept as an interface so this package does not import the
// broker package (which in turn owns a Pair).
type DocumentState interface {
	// SaveStatus records the worker's `status: ...` line to the status
	// sidecar and marks the document as loaded.
	SaveStatus(line string)
	// SetModified updates the broker's modified flag.
	SetModified(modified bool)
	// TriggerSaveFromLocal is invoked on a successful .uno:Save result.
	TriggerSaveFromLocal() error
	// RewriteSaveAsURL turns a jail-local file:// path into its public form.
	RewriteSaveAsURL(jailedURL string) (string, error)
	// RequestEditLock handles a client's takeedit frame: clear the lock on
	// every other session in the broker and set it on requester, broadcasting
	// editlock state to all of them (spec §4.5).
	RequestEditLock(requester *Session)
}

// Pair binds a client-role and worker-role Session together, sharing one
// Tile Cache and one DocumentState (the owning Document Broker).
type Pair struct {
	Client    *Session
	Worker    *Session
	TileCache *tilecache.Cache
	Doc       DocumentState
}

// NewPair binds client and worker as peers and returns the Pair that routes
// frames between them.
func NewPair(client, worker *Session, cache *tilecache.Cache, doc DocumentState) *Pair {
	SetPeer(client, worker)
	return &Pair{Client: client, Worker: worker, TileCache: cache, Doc: doc}
}

// ReadClientSocket blocks reading the client's raw socket and enqueues every
// frame onto the client session's Message Queue (spec §4.1), where
// PumpClientToWorker picks it up. Runs as its own goroutine so a slow or
// stalled worker never blocks the socket read pump.
func (p *Pair) ReadClientSocket() error {
	for {
		_, data, err := p.Client.Read()
		if err != nil {
			p.Client.Queue.Close()
			return err
		}
		p.Client.EnqueueFromSocket(data)
	}
}

// PumpClientToWorker drains the client session's Message Queue and forwards
// each entry to the worker session, substituting dummyMsg for non-viewer
// commands sent without the edit lock, and routing takeedit to the broker
// instead of forwarding it (spec §4.5). Returns when the queue is closed and
// drained (the empty-message sentinel, or Queue.Close from ReadClientSocket).
func (p *Pair) PumpClientToWorker() error {
	for {
		data := p.Client.Queue.Get()
		if len(data) == 0 {
			return nil
		}

		line := string(data)
		cmd, rest := protocol.CommandAndRest(line)

		if cmd == "takeedit" {
			p.Doc.RequestEditLock(p.Client)
			continue
		}

		if cmd == "tile" && p.tryServeTileFromCache(rest) {
			continue
		}

		if !p.Client.EditLock() && !alwaysForwarded[cmd] {
			line = dummyMsg
		}
		if err := p.Worker.Send(websocket.TextMessage, []byte(line)); err != nil {
			return err
		}
	}
}

// tryServeTileFromCache implements the Document Broker's tile handling
// (spec §4.6): a single "tile ..." request is served directly from the
// shared Tile Cache on a hit, so the request never reaches the worker. On a
// miss, or a malformed request, it returns false so the caller falls through
// to the normal forwarding path.
func (p *Pair) tryServeTileFromCache(rest string) bool {
	if p.TileCache == nil {
		return false
	}
	id, _, err := protocol.ParseTileRequest(rest)
	if err != nil {
		return false
	}
	f, ok := p.TileCache.LookupTile(id)
	if !ok {
		return false
	}
	defer f.Close()

	payload, err := io.ReadAll(f)
	if err != nil {
		return false
	}
	frame := append([]byte("tile: "+rest+"\n"), payload...)
	if err := p.Client.Send(websocket.BinaryMessage, frame); err != nil {
		return false
	}
	return true
}

// PumpWorkerToClient reads frames from the worker session, applies the
// worker→client snoop table (spec §4.5), and forwards everything except
// saveas frames, which are consumed entirely by the snoop layer. Used when a
// Pair owns its own dedicated worker connection; a Document Broker
// multiplexing several Pairs over one shared worker connection instead
// demultiplexes frames itself and feeds each one to the owning Pair via
// HandleWorkerFrame.
func (p *Pair) PumpWorkerToClient() error {
	for {
		mt, data, err := p.Worker.Read()
		if err != nil {
			return err
		}
		if err := p.HandleWorkerFrame(mt, data); err != nil {
			return err
		}
	}
}

// HandleWorkerFrame applies the worker→client snoop table to a single frame
// already read from the worker side (spec §4.5) and forwards it to the
// client unless the snoop table says otherwise.
func (p *Pair) HandleWorkerFrame(mt int, data []byte) error {
	forward, fwdType, fwdData := p.snoop(mt, data)
	if !forward {
		return nil
	}
	return p.Client.Send(fwdType, fwdData)
}

// snoop implements the worker→client side effect table from spec §4.5. It
// returns whether the frame should still be forwarded to the client, and the
// (possibly rewritten) frame to forward.
func (p *Pair) snoop(mt int, data []byte) (forward bool, fwdType int, fwdData []byte) {
	if mt != websocket.TextMessage {
		// Binary frames: "tile: ..." and "renderfont: ..." carry a text
		// header line followed by a newline and the binary payload.
		return p.snoopBinary(mt, data)
	}

	line := string(data)
	cmd, rest := protocol.CommandAndRest(line)
	cmd = strings.TrimSuffix(cmd, ":")

	switch cmd {
	case "status":
		p.Doc.SaveStatus(rest)
		held := p.Client.EditLock()
		editlockValue := "0"
		if held {
			editlockValue = "1"
		}
		p.Client.Send(websocket.TextMessage, []byte("editlock: "+editlockValue))
		return true, mt, data

	case "invalidatetiles":
		if p.TileCache != nil {
			p.TileCache.InvalidateTilesFromWire(rest)
		}
		return true, mt, data

	case "commandvalues":
		var payload commandValuesPayload
		if err := json.Unmarshal([]byte(rest), &payload); err == nil {
			if payload.CommandName == ".uno:CharFontName" || payload.CommandName == ".uno:StyleApply" {
				if p.TileCache != nil {
					p.TileCache.SaveTextFile(tilecache.CommandValues(payload.CommandName), rest)
				}
			}
		}
		return true, mt, data

	case "partpagerectangles":
		if p.TileCache != nil {
			p.TileCache.SaveTextFile(tilecache.PartPageRectangles, rest)
		}
		return true, mt, data

	case "saveas":
		params := protocol.ParseParams(rest)
		jailedURL := params.String("url", "")
		public, err := p.Doc.RewriteSaveAsURL(jailedURL)
		if err == nil {
			p.Client.PushSaveAsURL(public)
		}
		return false, 0, nil

	case "statechanged":
		params := protocol.ParseParams(rest)
		if v, ok := params[".uno:ModifiedStatus"]; ok {
			p.Doc.SetModified(v == "true")
		}
		return true, mt, data

	case "unocommandresult":
		var payload unoCommandResultPayload
		if err := json.Unmarshal([]byte(rest), &payload); err == nil {
			if payload.CommandName == ".uno:Save" && payload.Success {
				p.Doc.TriggerSaveFromLocal()
			}
		}
		return true, mt, data

	case "error":
		params := protocol.ParseParams(rest)
		if params.String("cmd", "") == "load" {
			kind := params.String("kind", "")
			if kind == string(LoadFailurePasswordRequired) || kind == string(LoadFailureWrongPassword) {
				p.Client.MarkLoadFailed(LoadFailureKind(kind))
			}
		}
		return true, mt, data
	}

	return true, mt, data
}

func (p *Pair) snoopBinary(mt int, data []byte) (forward bool, fwdType int, fwdData []byte) {
	headerEnd := bytes.IndexByte(data, '\n')
	if headerEnd < 0 {
		return true, mt, data
	}
	header := string(data[:headerEnd])
	cmd, rest := protocol.CommandAndRest(header)
	cmd = strings.TrimSuffix(cmd, ":")
	payload := data[headerEnd+1:]

	switch cmd {
	case "tile":
		if id, _, err := protocol.ParseTileRequest(rest); err == nil && p.TileCache != nil {
			p.TileCache.SaveTile(id, payload)
		}
	case "renderfont":
		params := protocol.ParseParams(rest)
		if name := params.String("font", ""); name != "" && p.TileCache != nil {
			p.TileCache.SaveRendering(name, "preview", payload)
		}
	}
	return true, mt, data
}
