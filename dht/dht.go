/*
File Name:  dht.go

The DHT itself (§4.10): iterative Kademlia lookups for peer discovery
and value storage/retrieval layered on top of the k-bucket routing
table. No network I/O lives here — SendRequestFindNode and
SendRequestFindValue are supplied by the caller and are expected to
deliver replies back via the InformationRequest they were given.
*/

package dht

import (
	"bytes"
	"errors"
	"sort"
	"time"
)

var (
	// ErrInvalidKeySize is returned when a key is not exactly KeySize bytes.
	ErrInvalidKeySize = errors.New("dht: key must be 32 bytes")
)

// DHT is the local node's view of the network.
type DHT struct {
	table *bucketTable
	alpha int

	// ShouldEvict decides whether the least-recently-seen contact in a
	// full bucket should be replaced by an incoming one (normally: only
	// if a ping to the oldest contact goes unanswered).
	ShouldEvict func(oldest, incoming *Node) bool

	// SendRequestStore announces to node that the local peer holds key.
	SendRequestStore func(node *Node, key []byte, dataSize uint64)

	// SendRequestFindNode and SendRequestFindValue dispatch req to every
	// node in req.Nodes and must call req.Reply for each response received.
	SendRequestFindNode  func(req *InformationRequest)
	SendRequestFindValue func(req *InformationRequest)

	// MsgTimeout bounds how long a single lookup round waits for replies.
	MsgTimeout time.Duration
}

// New creates a DHT node identified by self, using Kademlia's standard
// k=20 replication/bucket size and alpha=3 parallelism.
func New(self *Node) *DHT {
	return &DHT{
		table:      newBucketTable(*self, KeySize*8, DefaultReplication),
		alpha:      DefaultAlpha,
		MsgTimeout: 2 * time.Second,
	}
}

// NumNodes returns the number of nodes currently known to the routing table.
func (d *DHT) NumNodes() int { return d.table.totalNodes() }

// Nodes returns every node in the routing table.
func (d *DHT) Nodes() []Node { return d.table.nodes() }

// SelfID returns the local node's key.
func (d *DHT) SelfID() []byte { return d.table.self.ID }

// AddNode inserts node into the appropriate bucket, evicting the
// bucket's oldest contact only if ShouldEvict approves.
func (d *DHT) AddNode(node *Node) {
	d.table.insert(*node, d.ShouldEvict)
}

// RemoveNode removes a node from the routing table.
func (d *DHT) RemoveNode(id []byte) {
	d.table.remove(id)
}

// MarkNodeSeen pushes a node to the most-recently-seen end of its bucket.
func (d *DHT) MarkNodeSeen(id []byte) {
	d.table.markSeen(id)
}

// ClosestContacts returns up to count nodes nearest to target.
func (d *DHT) ClosestContacts(count int, target []byte, filter NodeFilterFunc, ignored ...[]byte) []*Node {
	return d.table.closestContacts(count, target, filter, ignored...).Nodes
}

// IsCloser reports whether a is closer to the local node than b.
func (d *DHT) IsCloser(a, b []byte) bool {
	return getDistance(a, d.table.self.ID).Cmp(getDistance(b, d.table.self.ID)) < 0
}

func (d *DHT) checkKey(key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKeySize
	}
	return nil
}

// Store announces dataSize bytes stored under key to the k closest nodes
// to key, per §4.10's replication-on-store requirement.
func (d *DHT) Store(key []byte, dataSize uint64) error {
	if err := d.checkKey(key); err != nil {
		return err
	}

	sl := d.table.closestContacts(d.alpha, key, nil)
	if sl.Len() == 0 {
		return nil
	}
	closest := sl.Nodes[0]

	for {
		req := newInformationRequest(ActionFindNode, key, sl.GetUncontacted(d.alpha))
		if len(req.Nodes) == 0 {
			break
		}
		d.SendRequestFindNode(req)
		for _, res := range req.CollectResults(d.MsgTimeout) {
			if res.Error != nil {
				sl.RemoveNode(res.SenderID)
				continue
			}
			sl.AppendUniqueNodes(res.Closest...)
		}
		sort.Sort(sl)

		if sl.Len() == 0 || bytes.Equal(sl.Nodes[0].ID, closest.ID) {
			break
		}
		closest = sl.Nodes[0]
	}

	limit := DefaultReplication
	for i, node := range sl.Nodes {
		if i >= limit {
			break
		}
		d.SendRequestStore(node, key, dataSize)
	}
	return nil
}

// Get performs an iterative find-value lookup for key.
func (d *DHT) Get(key []byte) (value []byte, senderID []byte, found bool, err error) {
	if err := d.checkKey(key); err != nil {
		return nil, nil, false, err
	}

	sl := d.table.closestContacts(d.alpha, key, nil)
	if sl.Len() == 0 {
		return nil, nil, false, nil
	}
	closest := sl.Nodes[0]

	const maxRounds = 64 // bound iterations against malicious/looping responses
	for round := 0; round < maxRounds; round++ {
		req := newInformationRequest(ActionFindValue, key, sl.GetUncontacted(d.alpha))
		if len(req.Nodes) == 0 {
			return nil, nil, false, nil
		}
		d.SendRequestFindValue(req)
		for _, res := range req.CollectResults(d.MsgTimeout) {
			if res.Error != nil {
				sl.RemoveNode(res.SenderID)
				continue
			}
			if len(res.Data) > 0 {
				return res.Data, res.SenderID, true, nil
			}
			sl.AppendUniqueNodes(res.Storing...)
			sl.AppendUniqueNodes(res.Closest...)
		}
		sort.Sort(sl)

		if sl.Len() == 0 || bytes.Equal(sl.Nodes[0].ID, closest.ID) {
			return nil, nil, false, nil
		}
		closest = sl.Nodes[0]
	}
	return nil, nil, false, nil
}

// FindNode locates the node owning key, querying the remainder of the
// shortlist once a round fails to surface a closer node, per the
// standard Kademlia termination rule.
func (d *DHT) FindNode(key []byte) (found *Node, ok bool) {
	sl := d.table.closestContacts(d.alpha, key, nil)
	if sl.Len() == 0 {
		return nil, false
	}

	queryRest := false
	closest := sl.Nodes[0]

	const maxRounds = 64
	for round := 0; round < maxRounds; round++ {
		count := d.alpha
		if queryRest {
			count = len(sl.Nodes)
		}
		req := newInformationRequest(ActionFindNode, key, sl.GetUncontacted(count))
		if len(req.Nodes) == 0 {
			return nil, false
		}
		d.SendRequestFindNode(req)
		for _, res := range req.CollectResults(d.MsgTimeout) {
			if res.Error != nil {
				sl.RemoveNode(res.SenderID)
				continue
			}
			if bytes.Equal(res.SenderID, key) {
				return &Node{ID: res.SenderID}, true
			}
			sl.AppendUniqueNodes(res.Closest...)
		}
		sort.Sort(sl)

		if sl.Len() == 0 {
			return nil, false
		}
		if bytes.Equal(sl.Nodes[0].ID, closest.ID) || queryRest {
			if !queryRest {
				queryRest = true
				continue
			}
			return nil, false
		}
		closest = sl.Nodes[0]
	}
	return nil, false
}

// RefreshBuckets runs FindNode against a random key in every bucket
// holding fewer than target contacts (0 refreshes every bucket),
// keeping stale parts of the routing table populated.
func (d *DHT) RefreshBuckets(target int) {
	for bucket, total := range d.table.totalNodesPerBucket() {
		if target != 0 && total >= target {
			continue
		}
		key := d.table.randomIDInBucket(bucket)
		if bucket == 0 {
			key = d.table.self.ID
		}
		d.FindNode(key)
	}
}

// StaleSince returns nodes not seen since cutoff, candidates for eviction.
func (d *DHT) StaleSince(cutoff time.Time) []Node {
	return d.table.staleSince(cutoff)
}
