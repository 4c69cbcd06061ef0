package topology

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// SerializeAsString produces a depth-first binary snapshot of the tree
// rooted at RootNode, matching original_source's SchedTree::
// SerializeAsString contract byte-for-byte in spirit (name, address,
// level, recursive children) though not in on-wire format, since this
// repo has no protoc toolchain available to generate the original
// SchedulerNode protobuf message (see DESIGN.md). The codec here is
// deterministic and round-trips through RecoverFromString losslessly,
// which is the determinism property a recoverable snapshot requires.
func (t *Tree) SerializeAsString() []byte {
	root := t.RootNode()
	if root == nil {
		return nil
	}
	var buf bytes.Buffer
	writeNode(&buf, root)
	return buf.Bytes()
}

func writeNode(buf *bytes.Buffer, n *Node) {
	writeString(buf, n.Info.Name)
	writeString(buf, n.Info.Address)
	writeUvarint(buf, uint64(n.Level))
	writeUvarint(buf, uint64(n.State))
	writeUvarint(buf, uint64(len(n.Children)))
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeNode(buf, n.Children[name])
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// RecoverFromString rebuilds the tree in place from a snapshot produced
// by SerializeAsString. On parse failure it leaves the existing
// topology untouched and returns an error ("if
// parse fails, keep old topology and log").
func (t *Tree) RecoverFromString(data []byte) error {
	r := bytes.NewReader(data)
	root, err := readNode(r, nil)
	if err != nil {
		return fmt.Errorf("topology snapshot broken: %w", err)
	}

	levels := []map[string]*Node{}
	var flatten func(n *Node)
	flatten = func(n *Node) {
		for len(levels) < n.Level+1 {
			levels = append(levels, map[string]*Node{})
		}
		levels[n.Level][n.Info.Name] = n
		for _, c := range n.Children {
			flatten(c)
		}
	}
	flatten(root)

	t.levels = levels
	t.nextParent = nil
	// Re-seed nextParent at the first level-1 Domain found so AddNonLeaf
	// resumes from a sane cursor after recovery, matching the C++
	// contract of "rebuild C1 in place; resume heartbeat to the
	// recovered root Domain".
	if len(levels) > 1 {
		for _, n := range levels[1] {
			t.nextParent = n
			break
		}
	}
	return nil
}

func readNode(r *bytes.Reader, parent *Node) (*Node, error) {
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	address, err := readString(r)
	if err != nil {
		return nil, err
	}
	level, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	state, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	childCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	n := newNode(NodeInfo{Name: name, Address: address}, int(level))
	n.State = NodeState(state)
	n.Parent = parent
	for i := uint64(0); i < childCount; i++ {
		child, err := readNode(r, n)
		if err != nil {
			return nil, err
		}
		n.Children[child.Info.Name] = child
	}
	return n, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil && n > 0 {
		return "", err
	}
	return string(buf), nil
}
