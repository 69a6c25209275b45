package cluster

import "time"

// NodeStatus represents the current status of a node in the cluster
type NodeStatus int

const (
	// NodeStatusJoining indicates the node is starting and does not own data yet
	NodeStatusJoining NodeStatus = iota
	// NodeStatusNormal indicates the node owns its tokens and serves data
	NodeStatusNormal
	// NodeStatusLeaving indicates the node is handing off its tokens
	NodeStatusLeaving
	// NodeStatusRemoved indicates the node has been removed from the cluster
	NodeStatusRemoved
)

func (s NodeStatus) String() string {
	switch s {
	case NodeStatusJoining:
		return "JOINING"
	case NodeStatusNormal:
		return "NORMAL"
	case NodeStatusLeaving:
		return "LEAVING"
	case NodeStatusRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Node represents a node in the distributed system
type Node struct {
	// ID is the unique identifier of the node
	ID string `json:"id"`
	// Address is the gossip address of the node (host:port)
	Address string `json:"address"`
	// Status represents the current status of the node
	Status NodeStatus `json:"status"`
}

// EndpointState is what gossip knows about one node. Generation changes
// on every restart; Version on every local state change.
type EndpointState struct {
	Node       Node      `json:"node"`
	Generation int64     `json:"generation"`
	Version    uint64    `json:"version"`
	Tokens     []Token   `json:"tokens,omitempty"`
	RPCReady   bool      `json:"rpc_ready"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// newerThan reports whether s supersedes other.
func (s EndpointState) newerThan(other EndpointState) bool {
	if s.Generation != other.Generation {
		return s.Generation > other.Generation
	}
	return s.Version > other.Version
}
