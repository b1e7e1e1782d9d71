/*
File Name:  node.go

Kademlia-style node bookkeeping for the DHT (§4.10): XOR distance over
32-byte keys (an Ed25519 public key for peer lookups, or a content hash
for stored values) and a short list used while iterating a lookup.
*/

package dht

import (
	"bytes"
	"math/big"
	"time"
)

// KeySize is the width in bytes of every DHT key: peer IDs are Ed25519
// public keys, value keys are SHA-256 content hashes, both 32 bytes.
const KeySize = 32

// Node is the over-the-wire representation of a participant in the DHT.
type Node struct {
	ID       []byte
	LastSeen time.Time
	Info     interface{} // caller-defined, e.g. a transport address hint
}

// shortList sorts a working set of nodes by XOR distance to Comparator
// and tracks which of them have already been queried during a lookup.
type shortList struct {
	Nodes      []*Node
	Comparator []byte
	Contacted  map[string]bool
}

func newShortList(comparator []byte) *shortList {
	return &shortList{
		Comparator: comparator,
		Contacted:  make(map[string]bool),
	}
}

func (s *shortList) Len() int      { return len(s.Nodes) }
func (s *shortList) Swap(i, j int) { s.Nodes[i], s.Nodes[j] = s.Nodes[j], s.Nodes[i] }
func (s *shortList) Less(i, j int) bool {
	return getDistance(s.Nodes[i].ID, s.Comparator).Cmp(getDistance(s.Nodes[j].ID, s.Comparator)) < 0
}

func (s *shortList) RemoveNode(id []byte) {
	for i, n := range s.Nodes {
		if bytes.Equal(n.ID, id) {
			s.Nodes = append(s.Nodes[:i], s.Nodes[i+1:]...)
			return
		}
	}
}

func (s *shortList) AppendUniqueNodes(nodes ...*Node) {
nextNode:
	for _, candidate := range nodes {
		if candidate == nil {
			continue
		}
		for _, existing := range s.Nodes {
			if bytes.Equal(existing.ID, candidate.ID) {
				continue nextNode
			}
		}
		s.Nodes = append(s.Nodes, candidate)
	}
}

// GetUncontacted returns up to count nodes not yet queried this lookup,
// marking each as contacted before returning it.
func (s *shortList) GetUncontacted(count int) []*Node {
	var out []*Node
	for _, n := range s.Nodes {
		if len(out) >= count {
			break
		}
		if s.Contacted[string(n.ID)] {
			continue
		}
		s.Contacted[string(n.ID)] = true
		out = append(out, n)
	}
	return out
}

func getDistance(a, b []byte) *big.Int {
	return new(big.Int).Xor(new(big.Int).SetBytes(a), new(big.Int).SetBytes(b))
}

// NodeFilterFunc optionally excludes a node from a closest-contacts query.
type NodeFilterFunc func(node *Node) (accept bool)
