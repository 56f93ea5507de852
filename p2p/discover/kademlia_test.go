package discover

import (
	"testing"
	"time"
)

func makeEntry(b byte) NodeEntry {
	var id [32]byte
	id[31] = b
	return NodeEntry{
		ID:       id,
		Address:  "10.0.0.1",
		Port:     30303,
		LastSeen: time.Now(),
	}
}

// --- KLogDistance ---

func TestKLogDistance_Identical(t *testing.T) {
	var a [32]byte
	a[0] = 0xAB
	if d := KLogDistance(a, a); d != 0 {
		t.Fatalf("KLogDistance(a, a): want 0, got %d", d)
	}
}

func TestKLogDistance_LastBit(t *testing.T) {
	var a, b [32]byte
	b[31] = 0x01
	if d := KLogDistance(a, b); d != 1 {
		t.Fatalf("KLogDistance: want 1, got %d", d)
	}
}

func TestKLogDistance_HighBit(t *testing.T) {
	var a, b [32]byte
	b[0] = 0x80
	if d := KLogDistance(a, b); d != 256 {
		t.Fatalf("KLogDistance: want 256, got %d", d)
	}
}

func TestKLogDistance_MidBit(t *testing.T) {
	var a, b [32]byte
	b[15] = 0x01
	expected := 256 - 15*8 - 7
	if d := KLogDistance(a, b); d != expected {
		t.Fatalf("KLogDistance: want %d, got %d", expected, d)
	}
}

// --- BucketForDistance ---

func TestBucketForDistance_Zero(t *testing.T) {
	if b := BucketForDistance(0); b != -1 {
		t.Fatalf("BucketForDistance(0): want -1, got %d", b)
	}
}

func TestBucketForDistance_One(t *testing.T) {
	if b := BucketForDistance(1); b != 0 {
		t.Fatalf("BucketForDistance(1): want 0, got %d", b)
	}
}

func TestBucketForDistance_Max(t *testing.T) {
	if b := BucketForDistance(256); b != 255 {
		t.Fatalf("BucketForDistance(256): want 255, got %d", b)
	}
}

func TestBucketForDistance_OverMax(t *testing.T) {
	if b := BucketForDistance(300); b != 255 {
		t.Fatalf("BucketForDistance(300): want 255, got %d", b)
	}
}

// --- NewKademliaTable ---

func TestNewKademliaTable(t *testing.T) {
	var selfID [32]byte
	selfID[0] = 0x42
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	if kt == nil {
		t.Fatal("NewKademliaTable returned nil")
	}
	if kt.SelfID() != selfID {
		t.Fatal("SelfID mismatch")
	}
	if kt.TableSize() != 0 {
		t.Fatalf("TableSize: want 0, got %d", kt.TableSize())
	}
}

// --- Update ---

func TestUpdate_Basic(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	node := makeEntry(1)
	if _, inserted := kt.Update(node); !inserted {
		t.Fatal("Update should report inserted for a new entry")
	}
	if kt.TableSize() != 1 {
		t.Fatalf("TableSize: want 1, got %d", kt.TableSize())
	}
}

func TestUpdate_Self(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	node := NodeEntry{ID: selfID}
	if _, inserted := kt.Update(node); inserted {
		t.Fatal("Update should ignore self")
	}
	if kt.TableSize() != 0 {
		t.Fatal("self should not be added")
	}
}

// Updating the same node twice leaves it in the table exactly once, at its
// bucket's head.
func TestUpdate_DuplicateMovesToHead(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	a := makeEntry(1)
	b := makeEntry(2) // same bucket (distance 8) as a, different id
	kt.Update(a)
	kt.Update(b)
	if _, inserted := kt.Update(a); inserted {
		t.Fatal("re-update of an existing entry should not report a fresh insert")
	}

	if kt.TableSize() != 2 {
		t.Fatalf("TableSize after duplicate: want 2, got %d", kt.TableSize())
	}
	head := kt.BucketEntries(7)[0]
	if head.ID != a.ID {
		t.Fatalf("duplicate update should move entry to bucket head, head is %x", head.ID)
	}
}

func TestUpdate_RefreshesLastSeen(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	node := makeEntry(1)
	node.LastSeen = time.Now().Add(-1 * time.Hour)
	kt.Update(node)

	updated := makeEntry(1)
	updated.LastSeen = time.Now()
	kt.Update(updated)

	got := kt.GetNode(node.ID)
	if got == nil {
		t.Fatal("GetNode returned nil")
	}
	if got.LastSeen.Before(updated.LastSeen.Add(-time.Second)) {
		t.Fatal("LastSeen was not updated")
	}
}

// Updating into a full bucket returns the current tail unchanged and does
// not insert the new node into the bucket; it appears at the replacement
// cache head instead.
func TestUpdate_BucketFull_GoesToReplacementCache(t *testing.T) {
	var selfID [32]byte
	cfg := DefaultKademliaConfig()
	cfg.BucketSize = 4
	kt := NewKademliaTable(selfID, cfg)

	// All these nodes go to bucket 7 (distance 8): id[31] in [0x80, 0xFF].
	var first NodeEntry
	for i := byte(0x80); i < 0x80+byte(cfg.BucketSize); i++ {
		var id [32]byte
		id[31] = i
		e := NodeEntry{ID: id, Address: "10.0.0.1", Port: 30303, LastSeen: time.Now()}
		if i == 0x80 {
			first = e
		}
		kt.Update(e)
	}

	if kt.TableSize() != cfg.BucketSize {
		t.Fatalf("TableSize: want %d, got %d", cfg.BucketSize, kt.TableSize())
	}

	// bucket entries are head-first (most recently updated); the tail is the
	// first one we inserted, since each subsequent Update pushed to the head.
	tailBefore := kt.BucketEntries(7)[cfg.BucketSize-1]
	if tailBefore.ID != first.ID {
		t.Fatalf("expected tail to be first-inserted node")
	}

	var extraID [32]byte
	extraID[31] = 0x80 + byte(cfg.BucketSize)
	evicted, inserted := kt.Update(NodeEntry{ID: extraID, Address: "10.0.0.1", Port: 30303, LastSeen: time.Now()})
	if inserted {
		t.Fatal("should not be inserted into entries when bucket is full")
	}
	if evicted == nil || evicted.ID != tailBefore.ID {
		t.Fatal("update on a full bucket must return the unchanged tail")
	}
	if kt.TableSize() != cfg.BucketSize {
		t.Fatalf("TableSize after overflow: want %d, got %d", cfg.BucketSize, kt.TableSize())
	}
	if kt.BucketLen(7) != cfg.BucketSize {
		t.Fatalf("bucket entries must be unchanged, got %d", kt.BucketLen(7))
	}
	reps := kt.BucketReplacements(7)
	if len(reps) != 1 || reps[0].ID != extraID {
		t.Fatalf("new node should be at replacement cache head, got %+v", reps)
	}
}

// --- Remove ---

func TestRemove_Basic(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	node := makeEntry(1)
	kt.Update(node)
	kt.Remove(node.ID)

	if kt.TableSize() != 0 {
		t.Fatalf("TableSize after remove: want 0, got %d", kt.TableSize())
	}
}

func TestRemove_PromotesReplacementToTail(t *testing.T) {
	var selfID [32]byte
	cfg := DefaultKademliaConfig()
	cfg.BucketSize = 2
	kt := NewKademliaTable(selfID, cfg)

	var id1, id2, id3 [32]byte
	id1[31] = 0x80
	id2[31] = 0x81
	id3[31] = 0x82

	kt.Update(NodeEntry{ID: id1, LastSeen: time.Now()})
	kt.Update(NodeEntry{ID: id2, LastSeen: time.Now()})
	kt.Update(NodeEntry{ID: id3, LastSeen: time.Now()}) // goes to replacement

	kt.Remove(id1)

	if kt.TableSize() != 2 {
		t.Fatalf("TableSize: want 2, got %d", kt.TableSize())
	}
	if kt.GetNode(id3) == nil {
		t.Fatal("replacement should have been promoted")
	}
	entries := kt.BucketEntries(7)
	if entries[len(entries)-1].ID != id3 {
		t.Fatal("promoted replacement should be at the bucket tail")
	}
	if kt.BucketReplacementLen(7) != 0 {
		t.Fatal("replacement cache should be empty after promotion")
	}
}

func TestRemove_Nonexistent(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	node := makeEntry(1)
	kt.Update(node)

	var ghost [32]byte
	ghost[0] = 0xFF
	kt.Remove(ghost) // should not panic

	if kt.TableSize() != 1 {
		t.Fatalf("TableSize: want 1, got %d", kt.TableSize())
	}
}

// --- GetNode ---

func TestGetNode_NotFound(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	var id [32]byte
	id[0] = 0xFF
	if kt.GetNode(id) != nil {
		t.Fatal("GetNode should return nil for non-existent node")
	}
}

// --- FindClosest / IterNodesAround ---

func TestFindClosest(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	for i := byte(1); i <= 10; i++ {
		kt.Update(makeEntry(i))
	}

	var target [32]byte
	target[31] = 5

	closest := kt.FindClosest(target, 3)
	if len(closest) != 3 {
		t.Fatalf("FindClosest: want 3, got %d", len(closest))
	}
	if closest[0].ID[31] != 5 {
		t.Fatalf("closest[0] ID[31]: want 5, got %d", closest[0].ID[31])
	}
	for i := 1; i < len(closest); i++ {
		if xorDistance256(target, closest[i-1].ID).Gt(xorDistance256(target, closest[i].ID)) {
			t.Fatal("FindClosest results not sorted by distance")
		}
	}
}

func TestFindClosest_Empty(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	var target [32]byte
	target[0] = 0xFF

	closest := kt.FindClosest(target, 5)
	if len(closest) != 0 {
		t.Fatalf("FindClosest on empty table: want 0, got %d", len(closest))
	}
}

func TestIterNodesAround_VisitsEveryEntry(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	for i := byte(1); i <= 5; i++ {
		kt.Update(makeEntry(i))
	}
	all := kt.IterNodesAround(selfID)
	if len(all) != 5 {
		t.Fatalf("IterNodesAround: want 5, got %d", len(all))
	}
}

func TestIterAllRandom_VisitsEveryEntryExactlyOnce(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	want := map[[32]byte]bool{}
	for i := byte(1); i <= 20; i++ {
		e := makeEntry(i)
		kt.Update(e)
		want[e.ID] = true
	}
	got := kt.IterAllRandom()
	if len(got) != len(want) {
		t.Fatalf("IterAllRandom length: want %d, got %d", len(want), len(got))
	}
	seen := map[[32]byte]bool{}
	for _, e := range got {
		if seen[e.ID] {
			t.Fatalf("IterAllRandom produced a duplicate: %x", e.ID)
		}
		seen[e.ID] = true
		if !want[e.ID] {
			t.Fatalf("IterAllRandom produced an unexpected entry: %x", e.ID)
		}
	}
}

// --- GetLeastRecentlyUpdatedLogDistance ---

func TestGetLeastRecentlyUpdatedLogDistance_Empty(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	if d := kt.GetLeastRecentlyUpdatedLogDistance(); d != 0 {
		t.Fatalf("want 0 on empty table, got %d", d)
	}
}

func TestGetLeastRecentlyUpdatedLogDistance_PicksOldest(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	old := makeEntry(1)
	old.LastSeen = time.Now().Add(-1 * time.Hour)
	kt.Update(old)

	recent := makeEntry(2)
	recent.LastSeen = time.Now()
	kt.Update(recent)

	d := kt.GetLeastRecentlyUpdatedLogDistance()
	if d != BucketForDistance(d)+1 {
		t.Fatalf("distance/bucket mismatch")
	}
	entry := kt.LeastRecentlyUpdatedEntry()
	if entry == nil || entry.ID != old.ID {
		t.Fatalf("expected stalest entry to be the oldest one, got %+v", entry)
	}
}

// --- AllNodes / BucketLen ---

func TestAllNodes(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	for i := byte(1); i <= 5; i++ {
		kt.Update(makeEntry(i))
	}

	all := kt.AllNodes()
	if len(all) != 5 {
		t.Fatalf("AllNodes: want 5, got %d", len(all))
	}
}

func TestBucketLen(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	kt.Update(makeEntry(1))
	if kt.BucketLen(0) != 1 {
		t.Fatalf("BucketLen(0): want 1, got %d", kt.BucketLen(0))
	}
	if kt.BucketLen(1) != 0 {
		t.Fatalf("BucketLen(1): want 0, got %d", kt.BucketLen(1))
	}
}

func TestBucketLen_OutOfRange(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	if kt.BucketLen(-1) != 0 {
		t.Fatal("BucketLen(-1) should return 0")
	}
	if kt.BucketLen(256) != 0 {
		t.Fatal("BucketLen(256) should return 0")
	}
}

// --- DefaultKademliaConfig ---

func TestDefaultKademliaConfig(t *testing.T) {
	cfg := DefaultKademliaConfig()
	if cfg.BucketSize != 16 {
		t.Fatalf("BucketSize: want 16, got %d", cfg.BucketSize)
	}
	if cfg.Alpha != 3 {
		t.Fatalf("Alpha: want 3, got %d", cfg.Alpha)
	}
	if cfg.MaxReplacements != 16 {
		t.Fatalf("MaxReplacements: want 16, got %d", cfg.MaxReplacements)
	}
}

// --- RandomIDForBucket ---

func TestRandomIDForBucket(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	for bucket := 0; bucket < 256; bucket++ {
		target := kt.RandomIDForBucket(bucket)
		dist := KLogDistance(selfID, target)
		expectedDist := bucket + 1
		if dist != expectedDist {
			t.Fatalf("RandomIDForBucket(%d): distance want %d, got %d", bucket, expectedDist, dist)
		}
	}
}

func TestRandomIDForBucket_OutOfRange(t *testing.T) {
	var selfID [32]byte
	selfID[0] = 0x42
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	if kt.RandomIDForBucket(-1) != selfID {
		t.Fatal("RandomIDForBucket(-1) should return selfID")
	}
	if kt.RandomIDForBucket(256) != selfID {
		t.Fatal("RandomIDForBucket(256) should return selfID")
	}
}

// --- Bucket overflow end-to-end -----------------------------------------------

func TestBucketOverflowScenario(t *testing.T) {
	var selfID [32]byte // local node-id 0x00...
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())

	var ids [17][32]byte
	for i := range ids {
		ids[i][31] = byte(i + 1) // distinct, all at log-distance 256 -> bucket 255
	}
	var lastEvicted *NodeEntry
	for i, id := range ids {
		e := NodeEntry{ID: id, LastSeen: time.Now()}
		evicted, inserted := kt.Update(e)
		if i < 16 && !inserted {
			t.Fatalf("entry %d should have been inserted directly", i)
		}
		if i == 16 {
			if inserted {
				t.Fatal("17th entry should not be inserted into the bucket")
			}
			lastEvicted = evicted
		}
	}

	if kt.BucketLen(255) != 16 {
		t.Fatalf("bucket 255 should hold 16 entries, got %d", kt.BucketLen(255))
	}
	reps := kt.BucketReplacements(255)
	if len(reps) != 1 || reps[0].ID != ids[16] {
		t.Fatalf("17th id should be at the replacement cache head, got %+v", reps)
	}
	if lastEvicted == nil || lastEvicted.ID != ids[0] {
		t.Fatalf("update() for the 17th entry should return the original tail (first-inserted id)")
	}
}

func TestEventsReportsAddUpdateRemove(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	events := kt.Events()

	var id [32]byte
	id[31] = 1
	kt.Update(NodeEntry{ID: id, LastSeen: time.Now()})
	if ev := <-events; ev.Kind != ChangeAdded || ev.Node.ID != id {
		t.Fatalf("expected ChangeAdded for %x, got %+v", id, ev)
	}

	kt.Update(NodeEntry{ID: id, LastSeen: time.Now()})
	if ev := <-events; ev.Kind != ChangeUpdated || ev.Node.ID != id {
		t.Fatalf("expected ChangeUpdated for %x, got %+v", id, ev)
	}

	kt.Remove(id)
	if ev := <-events; ev.Kind != ChangeRemoved || ev.Node.ID != id {
		t.Fatalf("expected ChangeRemoved for %x, got %+v", id, ev)
	}
}

func TestEventsDropsOldestUnderBackpressure(t *testing.T) {
	var selfID [32]byte
	kt := NewKademliaTable(selfID, DefaultKademliaConfig())
	// Never drain kt.Events(): fill well past changeEventBuffer and confirm
	// Update never blocks and the channel never holds more than its capacity.
	for i := 0; i < changeEventBuffer*4; i++ {
		var id [32]byte
		id[30] = byte(i / 256)
		id[31] = byte(i)
		kt.Update(NodeEntry{ID: id, LastSeen: time.Now()})
	}
	if len(kt.Events()) != changeEventBuffer {
		t.Fatalf("expected channel to stay at capacity %d, got %d", changeEventBuffer, len(kt.Events()))
	}
}
