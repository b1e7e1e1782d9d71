/*
File Name:  request.go

Asynchronous find-node / find-value queries sent to remote peers during
a lookup (§4.10). The network transport for these is supplied by the
caller via DHT.SendRequestFindNode / SendRequestFindValue; this type
only tracks in-flight replies and enforces the per-call timeout.
*/

package dht

import "time"

// Lookup actions.
const (
	ActionFindNode = iota
	ActionFindValue
)

// InformationRequest is a single outstanding find-node/find-value round
// sent to a batch of nodes; Reply delivers each node's response.
type InformationRequest struct {
	Action int
	Key    []byte
	Nodes  []*Node

	replies chan *NodeResult
}

// NodeResult is one node's response to an InformationRequest.
type NodeResult struct {
	SenderID []byte
	Data     []byte  // set only for a find-value hit
	Closest  []*Node // closer nodes the remote peer knows of
	Storing  []*Node // nodes the remote peer believes store the value
	Error    error
}

func newInformationRequest(action int, key []byte, nodes []*Node) *InformationRequest {
	return &InformationRequest{
		Action:  action,
		Key:     key,
		Nodes:   nodes,
		replies: make(chan *NodeResult, len(nodes)),
	}
}

// Reply records a remote node's response. Safe to call from any
// transport goroutine handling the wire reply.
func (r *InformationRequest) Reply(result *NodeResult) {
	select {
	case r.replies <- result:
	default:
	}
}

// CollectResults waits up to timeout for a reply from every node the
// request was sent to, returning whatever arrived in time.
func (r *InformationRequest) CollectResults(timeout time.Duration) []*NodeResult {
	deadline := time.After(timeout)
	results := make([]*NodeResult, 0, len(r.Nodes))
	for len(results) < len(r.Nodes) {
		select {
		case res := <-r.replies:
			results = append(results, res)
		case <-deadline:
			return results
		}
	}
	return results
}
