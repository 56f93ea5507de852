// lookup.go implements the discovery-lookup task of the routing-table
// manager: an iterative Kademlia lookup with alpha concurrent queries,
// XOR distance tracking, response deduplication, and lookup path recording
// for diagnostics. Queries ask for the distance-triple [d, d-1, d+1] rather
// than a single closest node, per FIND_NODES semantics.
package discover

import (
	"sort"
	"sync"
)

// LookupConfig controls the behavior of an iterative lookup.
type LookupConfig struct {
	// Alpha is the number of concurrent queries per round. Default: 3.
	Alpha int
	// ResultSize is the max number of closest nodes to return. Default: BucketSize (16).
	ResultSize int
	// MaxRounds caps the total number of query rounds. 0 = unlimited.
	MaxRounds int
}

func (c *LookupConfig) defaults(bucketSize int) {
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.ResultSize <= 0 {
		c.ResultSize = bucketSize
	}
}

// QueryFunc issues a FIND_NODES to a remote node asking for entries at the
// given log distances (the distance-triple [d, d-1, d+1]) and returns
// whatever candidate entries the remote reports.
type QueryFunc func(n NodeEntry, distances []int) []NodeEntry

// LookupResult holds the outcome of an iterative Kademlia lookup.
type LookupResult struct {
	// Target is the ID that was looked up.
	Target [32]byte
	// Closest contains up to ResultSize nodes nearest to the target, sorted
	// by ascending XOR distance.
	Closest []NodeEntry
	// Path records each query hop: which node was queried and what it returned.
	Path []LookupHop
	// QueriedCount is the number of remote nodes that were actually queried.
	QueriedCount int
	// Rounds is the number of iterative query rounds performed.
	Rounds int
}

// LookupHop records a single query step in the lookup.
type LookupHop struct {
	Queried   [32]byte   // the node that was queried
	Distances []int      // the distance-triple requested
	Returned  [][32]byte // IDs of nodes returned by the query
	Round     int        // round in which this hop occurred
}

// closestSet maintains a bounded, sorted set of entries by distance to a target.
// It deduplicates by node ID.
type closestSet struct {
	target [32]byte
	nodes  []NodeEntry
	seen   map[[32]byte]bool
	limit  int
}

func newClosestSet(target [32]byte, limit int) *closestSet {
	return &closestSet{
		target: target,
		nodes:  make([]NodeEntry, 0, limit),
		seen:   make(map[[32]byte]bool),
		limit:  limit,
	}
}

// push adds an entry to the set if it is not a duplicate and is close enough.
// Returns true if the entry was actually inserted (i.e. it improved the set).
func (cs *closestSet) push(n NodeEntry) bool {
	if cs.seen[n.ID] {
		return false
	}
	cs.seen[n.ID] = true

	if len(cs.nodes) < cs.limit {
		cs.insertSorted(n)
		return true
	}

	farthest := cs.nodes[len(cs.nodes)-1]
	if xorDistance256(cs.target, n.ID).Cmp(xorDistance256(cs.target, farthest.ID)) >= 0 {
		return false
	}

	cs.nodes = cs.nodes[:len(cs.nodes)-1]
	cs.insertSorted(n)
	return true
}

// insertSorted adds an entry in ascending-distance order.
func (cs *closestSet) insertSorted(n NodeEntry) {
	i := sort.Search(len(cs.nodes), func(i int) bool {
		return xorDistance256(cs.target, n.ID).Lt(xorDistance256(cs.target, cs.nodes[i].ID))
	})
	cs.nodes = append(cs.nodes, NodeEntry{})
	copy(cs.nodes[i+1:], cs.nodes[i:])
	cs.nodes[i] = n
}

func (cs *closestSet) result() []NodeEntry {
	out := make([]NodeEntry, len(cs.nodes))
	copy(out, cs.nodes)
	return out
}

// distanceTriple returns [d, d-1, d+1] clamped to [1, 256], deduplicated,
// for the log distance between local and target.
func distanceTriple(d int) []int {
	var out []int
	seen := map[int]bool{}
	add := func(v int) {
		if v >= 1 && v <= NumBuckets && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	add(d)
	add(d - 1)
	add(d + 1)
	return out
}

// IterativeLookup performs a Kademlia iterative lookup from the routing
// table with alpha concurrent queries per round. Each round asks every
// queried node for the distance-triple [d, d-1, d+1] relative to the local
// node, where d is the queried node's own log distance to the target. It
// records the full lookup path and deduplicates responses, inserting every
// freshly-learned entry into the routing table as it arrives.
func (kt *KademliaTable) IterativeLookup(target [32]byte, queryFn QueryFunc, cfg LookupConfig) *LookupResult {
	cfg.defaults(kt.config.BucketSize)

	result := &LookupResult{Target: target}
	closest := newClosestSet(target, cfg.ResultSize)
	asked := make(map[[32]byte]bool)
	asked[kt.selfID] = true

	seeds := kt.FindClosest(target, cfg.ResultSize)
	for _, s := range seeds {
		closest.push(s)
	}
	if len(closest.nodes) == 0 {
		return result
	}

	round := 0
	for {
		round++
		if cfg.MaxRounds > 0 && round > cfg.MaxRounds {
			break
		}

		var toAsk []NodeEntry
		for _, n := range closest.nodes {
			if !asked[n.ID] {
				toAsk = append(toAsk, n)
				if len(toAsk) >= cfg.Alpha {
					break
				}
			}
		}
		if len(toAsk) == 0 {
			break
		}

		type queryResult struct {
			queried   [32]byte
			distances []int
			nodes     []NodeEntry
		}
		var mu sync.Mutex
		var wg sync.WaitGroup
		results := make([]queryResult, 0, len(toAsk))

		for _, n := range toAsk {
			asked[n.ID] = true
			wg.Add(1)
			go func(node NodeEntry) {
				defer wg.Done()
				d := KLogDistance(node.ID, target)
				distances := distanceTriple(d)
				resp := queryFn(node, distances)
				mu.Lock()
				results = append(results, queryResult{queried: node.ID, distances: distances, nodes: resp})
				mu.Unlock()
			}(n)
		}
		wg.Wait()

		result.QueriedCount += len(toAsk)

		improved := false
		for _, qr := range results {
			hop := LookupHop{Queried: qr.queried, Distances: qr.distances, Round: round}
			for _, r := range qr.nodes {
				hop.Returned = append(hop.Returned, r.ID)
				if r.ID == kt.selfID {
					continue
				}
				kt.Update(r)
				if !asked[r.ID] {
					if closest.push(r) {
						improved = true
					}
				}
			}
			result.Path = append(result.Path, hop)
		}

		if !improved {
			break
		}
	}

	result.Closest = closest.result()
	result.Rounds = round
	return result
}

// XORDistance computes the raw XOR distance between two node IDs as a
// 32-byte big-endian value. Useful for fine-grained distance comparisons
// beyond log distance.
func XORDistance(a, b [32]byte) [32]byte {
	var dist [32]byte
	for i := 0; i < 32; i++ {
		dist[i] = a[i] ^ b[i]
	}
	return dist
}

// CompareXORDistance compares XOR(a, target) vs XOR(b, target) and returns
// -1 if a is closer, +1 if b is closer, 0 if equal.
func CompareXORDistance(target, a, b [32]byte) int {
	return xorDistance256(target, a).Cmp(xorDistance256(target, b))
}

// LogDistance returns the XOR log distance between two node IDs (1-256),
// or 0 if they are identical.
func LogDistance(a, b [32]byte) int {
	return KLogDistance(a, b)
}
