package coap

// NodeState represents the lifecycle state of a Node.
type NodeState int

const (
	// NodeStateInitialized means the node is created but not started.
	NodeStateInitialized NodeState = iota

	// NodeStateRunning means the transport is bound and requests are served.
	NodeStateRunning

	// NodeStateStopped means the node has been shut down. It cannot restart.
	NodeStateStopped
)

// String returns a human-readable name for the state.
func (s NodeState) String() string {
	switch s {
	case NodeStateInitialized:
		return "Initialized"
	case NodeStateRunning:
		return "Running"
	case NodeStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
