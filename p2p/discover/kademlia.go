// kademlia.go implements the Kademlia routing table: 256 k-buckets indexed by
// XOR log distance, each with a bounded LRU of live entries and a parallel
// LRU replacement cache for candidates that arrived while the bucket was full.
package discover

import (
	"crypto/rand"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// KademliaConfig controls the behavior of the Kademlia routing table.
type KademliaConfig struct {
	// BucketSize is the maximum number of entries per k-bucket (k).
	// Default: 16 (standard Kademlia / discv5's k).
	BucketSize int

	// Alpha is the concurrency factor for parallel lookups.
	// Default: 3 (standard Kademlia).
	Alpha int

	// MaxReplacements is the maximum number of replacement entries per bucket.
	// Default: equal to BucketSize.
	MaxReplacements int
}

// DefaultKademliaConfig returns a KademliaConfig with standard discv5 defaults.
func DefaultKademliaConfig() KademliaConfig {
	return KademliaConfig{
		BucketSize:      16,
		Alpha:           3,
		MaxReplacements: 16,
	}
}

func (c *KademliaConfig) applyDefaults() {
	if c.BucketSize <= 0 {
		c.BucketSize = 16
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.MaxReplacements <= 0 {
		c.MaxReplacements = c.BucketSize
	}
}

// NodeEntry represents a single node in the routing table.
type NodeEntry struct {
	// ID is the 32-byte node identifier used for XOR distance computation.
	ID [32]byte

	// Address is the network address (IP or hostname) of the node.
	Address string

	// Port is the UDP port for discovery protocol messages.
	Port int

	// LastSeen records the last time this node was observed to be alive.
	LastSeen time.Time
}

// KBucket holds entries and replacements at a given XOR log distance.
// entries[0] is the most-recently-used (head); entries[len-1] is the
// least-recently-used (tail) and the liveness pinger's eviction candidate.
type KBucket struct {
	entries      []NodeEntry
	replacements []NodeEntry
}

// NumBuckets is the number of log-distance buckets (1..256 map to 0..255).
const NumBuckets = 256

// ChangeKind enumerates the kinds of routing-table mutation a ChangeEvent
// reports.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Events exposes routing-table change notifications. Nothing in the core
// pipeline requires a subscriber; the channel exists for an embedder that
// wants to observe table churn (e.g. a CLI status view).
type ChangeEvent struct {
	Kind ChangeKind
	Node NodeEntry
}

// changeEventBuffer bounds the Events() channel. A slow or absent consumer
// never blocks Update/Remove: the channel is drained and refilled under the
// table lock rather than sent to with a blocking semantics.
const changeEventBuffer = 64

// KademliaTable is the routing table: 256 k-buckets indexed by XOR log
// distance from the local node ID.
type KademliaTable struct {
	mu      sync.RWMutex
	selfID  [32]byte
	buckets [NumBuckets]*KBucket
	config  KademliaConfig
	events  chan ChangeEvent
}

// NewKademliaTable creates a new routing table for the given local node ID.
func NewKademliaTable(selfID [32]byte, config KademliaConfig) *KademliaTable {
	config.applyDefaults()
	kt := &KademliaTable{
		selfID: selfID,
		config: config,
		events: make(chan ChangeEvent, changeEventBuffer),
	}
	for i := range kt.buckets {
		kt.buckets[i] = &KBucket{}
	}
	return kt
}

// Events returns the table's change-event stream. Callers that never read it
// lose nothing: emitDropOldest discards the oldest pending event rather than
// blocking the mutation that produced it.
func (kt *KademliaTable) Events() <-chan ChangeEvent { return kt.events }

// emitDropOldest publishes ev without blocking; if the channel is full it
// discards the oldest queued event first, so a subscriber that never
// drains Events cannot stall Update or Remove.
func (kt *KademliaTable) emitDropOldest(ev ChangeEvent) {
	for {
		select {
		case kt.events <- ev:
			return
		default:
			select {
			case <-kt.events:
			default:
			}
		}
	}
}

// SelfID returns the local node's 32-byte identifier.
func (kt *KademliaTable) SelfID() [32]byte { return kt.selfID }

// Config returns a copy of the table's configuration.
func (kt *KademliaTable) Config() KademliaConfig { return kt.config }

// KLogDistance computes the XOR log distance between two 32-byte identifiers:
// 256 - leading_zero_bits(a XOR b), 0 iff a == b.
func KLogDistance(a, b [32]byte) int {
	for i := 0; i < 32; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			lz := bits.LeadingZeros8(x)
			return 256 - (i*8 + lz)
		}
	}
	return 0
}

// BucketForDistance returns the bucket index for a given XOR log distance.
// Distance 0 (self) returns -1. Distance 1..256 maps to bucket 0..255.
func BucketForDistance(distance int) int {
	if distance <= 0 {
		return -1
	}
	if distance > NumBuckets {
		return NumBuckets - 1
	}
	return distance - 1
}

// bucketIndex returns the bucket index for a given node ID relative to selfID.
func (kt *KademliaTable) bucketIndex(id [32]byte) int {
	return BucketForDistance(KLogDistance(kt.selfID, id))
}

// Update inserts or refreshes node in the routing table:
//   - already present: moved to the bucket head (MRU), returns (nil, false).
//   - bucket has room: inserted at the head, returns (nil, false).
//   - bucket full: NOT inserted and NOT evicted; node is pushed to the head
//     of the bucket's replacement cache, and the current bucket tail (the
//     stale candidate the liveness pinger should PING) is returned.
//
// Update never evicts. Eviction only ever happens via Remove, driven by
// the liveness pinger after a failed PING.
func (kt *KademliaTable) Update(node NodeEntry) (evictedCandidate *NodeEntry, inserted bool) {
	if node.ID == kt.selfID {
		return nil, false
	}
	idx := kt.bucketIndex(node.ID)
	if idx < 0 {
		return nil, false
	}

	kt.mu.Lock()
	defer kt.mu.Unlock()

	b := kt.buckets[idx]

	for i, e := range b.entries {
		if e.ID == node.ID {
			updated := node
			updated.ID = e.ID
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append([]NodeEntry{updated}, b.entries...)
			kt.emitDropOldest(ChangeEvent{Kind: ChangeUpdated, Node: updated})
			return nil, true
		}
	}

	if len(b.entries) < kt.config.BucketSize {
		b.entries = append([]NodeEntry{node}, b.entries...)
		kt.emitDropOldest(ChangeEvent{Kind: ChangeAdded, Node: node})
		return nil, true
	}

	kt.pushReplacementLocked(b, node)
	tail := b.entries[len(b.entries)-1]
	return &tail, false
}

// pushReplacementLocked pushes node to the head of the bucket's replacement
// cache (LRU, capacity MaxReplacements). Caller must hold kt.mu.
func (kt *KademliaTable) pushReplacementLocked(b *KBucket, node NodeEntry) {
	for i, r := range b.replacements {
		if r.ID == node.ID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append([]NodeEntry{node}, b.replacements...)
	if len(b.replacements) > kt.config.MaxReplacements {
		b.replacements = b.replacements[:kt.config.MaxReplacements]
	}
}

// Remove removes a node from its bucket. If the bucket's replacement cache
// is non-empty, its head is promoted into the bucket's tail position.
func (kt *KademliaTable) Remove(id [32]byte) {
	idx := kt.bucketIndex(id)
	if idx < 0 {
		return
	}

	kt.mu.Lock()
	defer kt.mu.Unlock()

	b := kt.buckets[idx]
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			kt.emitDropOldest(ChangeEvent{Kind: ChangeRemoved, Node: e})
			if len(b.replacements) > 0 {
				promoted := b.replacements[0]
				b.replacements = b.replacements[1:]
				b.entries = append(b.entries, promoted)
				kt.emitDropOldest(ChangeEvent{Kind: ChangeAdded, Node: promoted})
			}
			return
		}
	}
	for i, r := range b.replacements {
		if r.ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return
		}
	}
}

// GetNode returns the NodeEntry for the given ID, or nil if not found.
func (kt *KademliaTable) GetNode(id [32]byte) *NodeEntry {
	idx := kt.bucketIndex(id)
	if idx < 0 {
		return nil
	}

	kt.mu.RLock()
	defer kt.mu.RUnlock()

	for _, e := range kt.buckets[idx].entries {
		if e.ID == id {
			cp := e
			return &cp
		}
	}
	return nil
}

// xorDistance256 returns XOR(a, b) as a uint256, used to order entries by
// distance without a byte-by-byte comparison loop.
func xorDistance256(a, b [32]byte) *uint256.Int {
	var x [32]byte
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	return new(uint256.Int).SetBytes(x[:])
}

// FindClosest returns up to count nodes closest to the target by XOR
// distance, sorted in ascending distance order.
func (kt *KademliaTable) FindClosest(target [32]byte, count int) []NodeEntry {
	kt.mu.RLock()
	defer kt.mu.RUnlock()

	var all []NodeEntry
	for _, b := range kt.buckets {
		all = append(all, b.entries...)
	}

	sort.Slice(all, func(i, j int) bool {
		return xorDistance256(target, all[i].ID).Lt(xorDistance256(target, all[j].ID))
	})

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// IterNodesAround returns every table entry ordered by increasing XOR
// distance to ref.
func (kt *KademliaTable) IterNodesAround(ref [32]byte) []NodeEntry {
	return kt.FindClosest(ref, kt.TableSize())
}

// IterAllRandom returns every table entry exactly once, in random order.
func (kt *KademliaTable) IterAllRandom() []NodeEntry {
	kt.mu.RLock()
	var all []NodeEntry
	for _, b := range kt.buckets {
		all = append(all, b.entries...)
	}
	kt.mu.RUnlock()

	for i := len(all) - 1; i > 0; i-- {
		var buf [8]byte
		rand.Read(buf[:])
		j := int(buf[0]) % (i + 1)
		all[i], all[j] = all[j], all[i]
	}
	return all
}

// GetLeastRecentlyUpdatedLogDistance returns the log-distance (1..256) of the
// globally oldest non-empty bucket's tail entry, or 0 if the table is empty.
func (kt *KademliaTable) GetLeastRecentlyUpdatedLogDistance() int {
	kt.mu.RLock()
	defer kt.mu.RUnlock()

	bestDist := 0
	var oldest time.Time
	for i, b := range kt.buckets {
		if len(b.entries) == 0 {
			continue
		}
		tail := b.entries[len(b.entries)-1]
		if oldest.IsZero() || tail.LastSeen.Before(oldest) {
			oldest = tail.LastSeen
			bestDist = i + 1
		}
	}
	return bestDist
}

// LeastRecentlyUpdatedEntry returns a copy of the stalest bucket tail in the
// whole table, used by the liveness pinger to pick its next PING target.
func (kt *KademliaTable) LeastRecentlyUpdatedEntry() *NodeEntry {
	d := kt.GetLeastRecentlyUpdatedLogDistance()
	if d == 0 {
		return nil
	}
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	b := kt.buckets[d-1]
	if len(b.entries) == 0 {
		return nil
	}
	cp := b.entries[len(b.entries)-1]
	return &cp
}

// TableSize returns the total number of nodes across all buckets.
func (kt *KademliaTable) TableSize() int {
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	return kt.tableSizeLocked()
}

func (kt *KademliaTable) tableSizeLocked() int {
	count := 0
	for _, b := range kt.buckets {
		count += len(b.entries)
	}
	return count
}

// BucketLen returns the number of entries in a specific bucket.
func (kt *KademliaTable) BucketLen(bucketIndex int) int {
	if bucketIndex < 0 || bucketIndex >= NumBuckets {
		return 0
	}
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	return len(kt.buckets[bucketIndex].entries)
}

// BucketReplacementLen returns the number of replacement entries in a bucket.
func (kt *KademliaTable) BucketReplacementLen(bucketIndex int) int {
	if bucketIndex < 0 || bucketIndex >= NumBuckets {
		return 0
	}
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	return len(kt.buckets[bucketIndex].replacements)
}

// BucketEntries returns a copy of entries in the specified bucket, head
// (most recently used) first.
func (kt *KademliaTable) BucketEntries(bucketIndex int) []NodeEntry {
	if bucketIndex < 0 || bucketIndex >= NumBuckets {
		return nil
	}
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	entries := make([]NodeEntry, len(kt.buckets[bucketIndex].entries))
	copy(entries, kt.buckets[bucketIndex].entries)
	return entries
}

// BucketReplacements returns a copy of the replacement cache for a bucket,
// head (most recently offered) first.
func (kt *KademliaTable) BucketReplacements(bucketIndex int) []NodeEntry {
	if bucketIndex < 0 || bucketIndex >= NumBuckets {
		return nil
	}
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	reps := make([]NodeEntry, len(kt.buckets[bucketIndex].replacements))
	copy(reps, kt.buckets[bucketIndex].replacements)
	return reps
}

// AllNodes returns a snapshot of all nodes in the table.
func (kt *KademliaTable) AllNodes() []NodeEntry {
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	var all []NodeEntry
	for _, b := range kt.buckets {
		all = append(all, b.entries...)
	}
	return all
}

// RandomIDForBucket generates a random 32-byte ID that falls into the given
// bucket index relative to this node's selfID. Used to generate lookup
// targets during table refresh and discovery.
func (kt *KademliaTable) RandomIDForBucket(bucketIndex int) [32]byte {
	if bucketIndex < 0 || bucketIndex >= NumBuckets {
		return kt.selfID
	}

	var target [32]byte
	rand.Read(target[:])

	distance := bucketIndex + 1
	bitPos := 256 - distance

	copy(target[:], kt.selfID[:])

	byteIdx := bitPos / 8
	bitIdx := uint(7 - (bitPos % 8))

	target[byteIdx] ^= 1 << bitIdx

	var randomBuf [32]byte
	rand.Read(randomBuf[:])
	mask := byte((1 << bitIdx) - 1)
	target[byteIdx] = (target[byteIdx] & ^mask) | (randomBuf[byteIdx] & mask)
	for i := byteIdx + 1; i < 32; i++ {
		target[i] = randomBuf[i]
	}

	return target
}
