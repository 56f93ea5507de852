// endpoint.go implements the endpoint tracker: it accumulates
// (source_node_id, observed_endpoint) votes gathered from PONG responses
// during the liveness pinger's rounds and, once a single endpoint gathers
// enough agreeing votes, folds it into the local ENR.
package table

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eth2030/discv5/log"
)

// EndpointVoteThreshold is the number of distinct peers that must agree on
// an observed endpoint before it is adopted.
const EndpointVoteThreshold = 4

// EndpointVoteWindow bounds how long a vote stays live. Votes older than
// this are pruned before each tally, so a peer that saw us behind a since-
// changed NAT mapping can't out-vote current reality forever.
const EndpointVoteWindow = 10 * time.Minute

// EndpointUpdater is the local-identity side of a winning vote: folding the
// agreed endpoint into the local ENR. identity.Manager implements this.
type EndpointUpdater interface {
	UpdateEndpoint(ip net.IP, port uint16) (bool, error)
}

type endpointVote struct {
	source [32]byte
	addr   string
	at     time.Time
}

// EndpointTracker accumulates per-source endpoint votes and adopts the
// winner once it crosses EndpointVoteThreshold. Safe for concurrent use; the
// liveness pinger and the PING server task both feed it votes.
type EndpointTracker struct {
	mu      sync.Mutex
	votes   []endpointVote
	updater EndpointUpdater
	log     *log.Logger
}

// NewEndpointTracker creates a tracker that adopts winning votes via updater.
func NewEndpointTracker(updater EndpointUpdater, lg *log.Logger) *EndpointTracker {
	if lg == nil {
		lg = log.Default().Module("table.endpoint")
	}
	return &EndpointTracker{updater: updater, log: lg}
}

// Vote records that source reported our endpoint as ip:port, pruning stale
// votes and — if this push gives any single endpoint at least
// EndpointVoteThreshold agreeing, distinct-source votes — adopting it.
func (t *EndpointTracker) Vote(source [32]byte, ip net.IP, port uint16) {
	if ip == nil {
		return
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	now := time.Now()

	t.mu.Lock()
	cutoff := now.Add(-EndpointVoteWindow)
	fresh := t.votes[:0]
	for _, v := range t.votes {
		if v.at.After(cutoff) && v.source != source {
			fresh = append(fresh, v)
		}
	}
	t.votes = append(fresh, endpointVote{source: source, addr: addr, at: now})

	counts := make(map[string]int, len(t.votes))
	for _, v := range t.votes {
		counts[v.addr]++
	}
	var winner string
	for a, c := range counts {
		if c >= EndpointVoteThreshold {
			winner = a
			break
		}
	}
	t.mu.Unlock()

	if winner == "" || t.updater == nil {
		return
	}
	host, portStr, err := net.SplitHostPort(winner)
	if err != nil {
		return
	}
	winIP := net.ParseIP(host)
	winPort, err := strconv.Atoi(portStr)
	if err != nil || winIP == nil {
		return
	}
	changed, err := t.updater.UpdateEndpoint(winIP, uint16(winPort))
	if err != nil {
		t.log.Warn("endpoint vote adoption failed", "endpoint", winner, "err", err)
		return
	}
	if changed {
		t.log.Info("adopted voted endpoint", "endpoint", winner, "votes", counts[winner])
	}
}
