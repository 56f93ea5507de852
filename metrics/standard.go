package metrics

// Pre-defined metrics for the discv5 core. All metrics live in
// DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Session / handshake metrics ----

	// SessionsEstablished counts handshakes that reached COMPLETE, either
	// as initiator or recipient.
	SessionsEstablished = DefaultRegistry.Counter("session.established")
	// HandshakeFailures counts handshake attempts that aborted back to
	// IDLE (bad signature, stale ENR, decryption failure, ...).
	HandshakeFailures = DefaultRegistry.Counter("session.handshake_failures")
	// SessionsActive tracks the number of live (established) sessions.
	SessionsActive = DefaultRegistry.Gauge("session.active")

	// ---- Packet codec metrics ----

	// PacketsDecoded counts datagrams successfully parsed into a typed
	// packet, by any of the three shapes.
	PacketsDecoded = DefaultRegistry.Counter("packet.decoded")
	// PacketDecodeErrors counts datagrams dropped as malformed.
	PacketDecodeErrors = DefaultRegistry.Counter("packet.decode_errors")

	// ---- Dispatcher metrics ----

	// RequestsSent counts outbound Request/RequestNodes calls.
	RequestsSent = DefaultRegistry.Counter("dispatch.requests_sent")
	// RequestTimeouts counts requests that hit REQUEST_RESPONSE_TIMEOUT.
	RequestTimeouts = DefaultRegistry.Counter("dispatch.request_timeouts")
	// RequestLatency records round-trip latency in milliseconds for
	// successful Request/RequestNodes calls.
	RequestLatency = DefaultRegistry.Histogram("dispatch.request_latency_ms")

	// ---- Routing table metrics ----

	// TableSize tracks the total number of entries across all buckets.
	TableSize = DefaultRegistry.Gauge("table.size")
	// TableLivenessRemoved counts entries evicted by a failed liveness
	// ping.
	TableLivenessRemoved = DefaultRegistry.Counter("table.liveness.removed")
	// TableLivenessAlive counts successful liveness pings.
	TableLivenessAlive = DefaultRegistry.Counter("table.liveness.alive")
	// LookupRounds counts total iterative-lookup rounds performed.
	LookupRounds = DefaultRegistry.Counter("table.lookup.rounds")

	// ---- Endpoint tracker metrics ----

	// EndpointVotesAdopted counts winning endpoint votes folded into the
	// local ENR.
	EndpointVotesAdopted = DefaultRegistry.Counter("endpoint.votes_adopted")
)
