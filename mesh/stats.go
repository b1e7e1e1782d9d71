/*
File Name:  stats.go

Diagnostics snapshot returned by Network.GetStats, aggregating counters
already kept by each owned collaborator rather than duplicating their
bookkeeping.
*/

package mesh

import "github.com/sovereign-comms/mesh-core/queue"

// Stats is a point-in-time snapshot of a running Network.
type Stats struct {
	PeerCount          int
	RouteCount         int
	QueueLen           int
	ReassemblyPending  int
	DHTNodes           int
	Bandwidth          queue.Metrics
	MessagesSent       uint64
	MessagesReceived   uint64
	MessagesDropped    uint64
}
