package wire

// NodeView is the externally-visible identity of a scheduler-tree node,
// carried over the wire in registration acks and topology pushes. It
// is the RPC-facing twin of topology.Node, stripped of
// parent/children back-references.
type NodeView struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Level   int    `json:"level"`
}
