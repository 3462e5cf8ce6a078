package session

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coolwsd/internal/docid"
	"coolwsd/internal/protocol"
	"coolwsd/internal/tilecache"
)

type fakeDoc struct {
	statusLines   []string
	modified      *bool
	savedFromLocal bool
	rewriteErr    error
	lockRequester *Session
}

func (d *fakeDoc) SaveStatus(line string)      { d.statusLines = append(d.statusLines, line) }
func (d *fakeDoc) SetModified(modified bool)   { d.modified = &modified }
func (d *fakeDoc) TriggerSaveFromLocal() error { d.savedFromLocal = true; return nil }
func (d *fakeDoc) RewriteSaveAsURL(jailedURL string) (string, error) {
	if d.rewriteErr != nil {
		return "", d.rewriteErr
	}
	return "public://" + jailedURL, nil
}
func (d *fakeDoc) RequestEditLock(requester *Session) { d.lockRequester = requester }

func newTestCache(t *testing.T) *tilecache.Cache {
	t.Helper()
	key, err := docid.FromURL("https://example.com/doc.odt")
	if err != nil {
		t.Fatalf("FromURL: %v", err)
	}
	c, err := tilecache.Open(t.TempDir(), key, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestSnoopStatusSavesAndBroadcastsEditlock(t *testing.T) {
	client := New("c", RoleClient, newFakeConn())
	worker := New("w", RoleWorker, newFakeConn())
	doc := &fakeDoc{}
	p := NewPair(client, worker, newTestCache(t), doc)
	client.SetEditLock(true)

	forward, _, _ := p.snoop(websocket.TextMessage, []byte("status: type=text parts=3"))
	if !forward {
		t.Fatal("status frame should be forwarded")
	}
	if len(doc.statusLines) != 1 || doc.statusLines[0] != "type=text parts=3" {
		t.Fatalf("got status lines %v", doc.statusLines)
	}
	conn := client.conn.(*fakeConn)
	if len(conn.written) != 1 || string(conn.written[0]) != "editlock: 1" {
		t.Fatalf("got written %v, want editlock: 1", conn.written)
	}
}

func TestSnoopInvalidateTilesAppliesToCache(t *testing.T) {
	client := New("c", RoleClient, newFakeConn())
	worker := New("w", RoleWorker, newFakeConn())
	cache := newTestCache(t)
	p := NewPair(client, worker, cache, &fakeDoc{})

	id := fixedTileID()
	if err := cache.SaveTile(id, []byte("tile-bytes")); err != nil {
		t.Fatalf("SaveTile: %v", err)
	}

	forward, _, _ := p.snoop(websocket.TextMessage, []byte("invalidatetiles: EMPTY"))
	if !forward {
		t.Fatal("invalidatetiles should be forwarded")
	}
	if _, ok := cache.LookupTile(id); ok {
		t.Fatal("expected tile purged after EMPTY invalidation")
	}
}

func TestSnoopTileBinaryWritesToCache(t *testing.T) {
	client := New("c", RoleClient, newFakeConn())
	worker := New("w", RoleWorker, newFakeConn())
	cache := newTestCache(t)
	p := NewPair(client, worker, cache, &fakeDoc{})

	header := "tile: part=0 width=256 height=256 tileposx=0 tileposy=0 tilewidth=3840 tileheight=3840"
	frame := append([]byte(header+"\n"), []byte("png-bytes")...)

	forward, _, fwdData := p.snoop(websocket.BinaryMessage, frame)
	if !forward {
		t.Fatal("tile frame should be forwarded")
	}
	if string(fwdData) != string(frame) {
		t.Fatal("tile frame payload must pass through unmodified")
	}

	id := fixedTileID()
	f, ok := cache.LookupTile(id)
	if !ok {
		t.Fatal("expected tile saved to cache")
	}
	defer f.Close()
}

func TestSnoopSaveAsIsConsumedNotForwarded(t *testing.T) {
	client := New("c", RoleClient, newFakeConn())
	worker := New("w", RoleWorker, newFakeConn())
	doc := &fakeDoc{}
	p := NewPair(client, worker, newTestCache(t), doc)

	forward, _, _ := p.snoop(websocket.TextMessage, []byte("saveas: url=file:///jail/out.pdf"))
	if forward {
		t.Fatal("saveas must not be forwarded to the client")
	}
	done := make(chan struct{})
	url, ok := client.AwaitSaveAsURL(done)
	if !ok || url != "public://file:///jail/out.pdf" {
		t.Fatalf("got (%q, %v)", url, ok)
	}
}

func TestSnoopStatechangedUpdatesModified(t *testing.T) {
	client := New("c", RoleClient, newFakeConn())
	worker := New("w", RoleWorker, newFakeConn())
	doc := &fakeDoc{}
	p := NewPair(client, worker, newTestCache(t), doc)

	p.snoop(websocket.TextMessage, []byte("statechanged: .uno:ModifiedStatus=true"))
	if doc.modified == nil || !*doc.modified {
		t.Fatal("expected modified flag set true")
	}
}

func TestSnoopUnoCommandResultTriggersSave(t *testing.T) {
	client := New("c", RoleClient, newFakeConn())
	worker := New("w", RoleWorker, newFakeConn())
	doc := &fakeDoc{}
	p := NewPair(client, worker, newTestCache(t), doc)

	p.snoop(websocket.TextMessage, []byte(`unocommandresult: {"commandName":".uno:Save","success":true}`))
	if !doc.savedFromLocal {
		t.Fatal("expected TriggerSaveFromLocal invoked")
	}
}

func TestSnoopErrorMarksLoadFailure(t *testing.T) {
	client := New("c", RoleClient, newFakeConn())
	worker := New("w", RoleWorker, newFakeConn())
	p := NewPair(client, worker, newTestCache(t), &fakeDoc{})

	p.snoop(websocket.TextMessage, []byte("error: cmd=load kind=wrongpassword"))
	if client.LoadFailure() != LoadFailureWrongPassword {
		t.Fatalf("got %q", client.LoadFailure())
	}
}

func TestClientToWorkerSubstitutesDummyWithoutEditLock(t *testing.T) {
	clientConn := newFakeConn()
	client := New("c", RoleClient, clientConn)
	workerConn := newFakeConn()
	worker := New("w", RoleWorker, workerConn)
	p := NewPair(client, worker, newTestCache(t), &fakeDoc{})

	client.Queue.Put([]byte("key press=65"))
	client.Queue.Close()
	p.PumpClientToWorker()

	if len(workerConn.written) != 1 || string(workerConn.written[0]) != dummyMsg {
		t.Fatalf("got %v, want [dummymsg]", workerConn.written)
	}
}

func TestClientToWorkerForwardsWithEditLock(t *testing.T) {
	clientConn := newFakeConn()
	client := New("c", RoleClient, clientConn)
	client.SetEditLock(true)
	workerConn := newFakeConn()
	worker := New("w", RoleWorker, workerConn)
	p := NewPair(client, worker, newTestCache(t), &fakeDoc{})

	client.Queue.Put([]byte("key press=65"))
	client.Queue.Close()
	p.PumpClientToWorker()

	if len(workerConn.written) != 1 || string(workerConn.written[0]) != "key press=65" {
		t.Fatalf("got %v", workerConn.written)
	}
}

func TestClientToWorkerTakeeditRoutesToBrokerNotForwarded(t *testing.T) {
	clientConn := newFakeConn()
	client := New("c", RoleClient, clientConn)
	workerConn := newFakeConn()
	worker := New("w", RoleWorker, workerConn)
	doc := &fakeDoc{}
	p := NewPair(client, worker, newTestCache(t), doc)

	client.Queue.Put([]byte("takeedit"))
	client.Queue.Close()
	p.PumpClientToWorker()

	if doc.lockRequester != client {
		t.Fatal("expected RequestEditLock called with client session")
	}
	if len(workerConn.written) != 0 {
		t.Fatalf("takeedit must not be forwarded, got %v", workerConn.written)
	}
}

func TestClientToWorkerAlwaysForwardsExceptionsWithoutLock(t *testing.T) {
	clientConn := newFakeConn()
	client := New("c", RoleClient, clientConn)
	workerConn := newFakeConn()
	worker := New("w", RoleWorker, workerConn)
	p := NewPair(client, worker, newTestCache(t), &fakeDoc{})

	client.Queue.Put([]byte("downloadas id=1"))
	client.Queue.Close()
	p.PumpClientToWorker()

	if len(workerConn.written) != 1 || string(workerConn.written[0]) != "downloadas id=1" {
		t.Fatalf("got %v, want downloadas forwarded verbatim", workerConn.written)
	}
}

func TestClientTileRequestServedFromCacheOnHit(t *testing.T) {
	clientConn := newFakeConn()
	client := New("c", RoleClient, clientConn)
	workerConn := newFakeConn()
	worker := New("w", RoleWorker, workerConn)
	cache := newTestCache(t)
	p := NewPair(client, worker, cache, &fakeDoc{})

	id := fixedTileID()
	if err := cache.SaveTile(id, []byte("cached-bytes")); err != nil {
		t.Fatalf("SaveTile: %v", err)
	}

	line := "tile part=0 width=256 height=256 tileposx=0 tileposy=0 tilewidth=3840 tileheight=3840"
	client.Queue.Put([]byte(line))
	client.Queue.Close()
	p.PumpClientToWorker()

	if len(workerConn.written) != 0 {
		t.Fatalf("cache hit must not forward to worker, got %v", workerConn.written)
	}
	if len(clientConn.written) != 1 {
		t.Fatalf("expected one frame served directly to client, got %d", len(clientConn.written))
	}
}

func TestClientTileRequestForwardedOnMiss(t *testing.T) {
	clientConn := newFakeConn()
	client := New("c", RoleClient, clientConn)
	workerConn := newFakeConn()
	worker := New("w", RoleWorker, workerConn)
	p := NewPair(client, worker, newTestCache(t), &fakeDoc{})

	line := "tile part=0 width=256 height=256 tileposx=0 tileposy=0 tilewidth=3840 tileheight=3840"
	client.Queue.Put([]byte(line))
	client.Queue.Close()
	p.PumpClientToWorker()

	if len(workerConn.written) != 1 {
		t.Fatalf("cache miss must forward to worker, got %v", workerConn.written)
	}
}

func TestReadClientSocketFeedsQueueIntoWorkerPump(t *testing.T) {
	clientConn := newFakeConn()
	client := New("c", RoleClient, clientConn)
	client.SetEditLock(true)
	workerConn := newFakeConn()
	worker := New("w", RoleWorker, workerConn)
	p := NewPair(client, worker, newTestCache(t), &fakeDoc{})

	go p.PumpClientToWorker()

	clientConn.reads <- []byte("key press=65")
	close(clientConn.reads)
	p.ReadClientSocket()

	for i := 0; i < 100 && len(workerConn.written) == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if len(workerConn.written) != 1 || string(workerConn.written[0]) != "key press=65" {
		t.Fatalf("got %v", workerConn.written)
	}
}

// fixedTileID returns the tile identity matching the fixed tile request used
// across this file's tests, kept as a helper to avoid repeating the tuple.
func fixedTileID() protocol.TileID {
	return protocol.TileID{Part: 0, PixelWidth: 256, PixelHeight: 256, TwipX: 0, TwipY: 0, TwipWidth: 3840, TwipHeight: 3840}
}
