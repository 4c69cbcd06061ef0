package topology

import "testing"

func TestAddLeafRequiresTwoLevels(t *testing.T) {
	tr := New(2, 2)
	if _, err := tr.AddLeaf(NodeInfo{Name: "l1", Address: "a1"}); err == nil {
		t.Fatalf("expected error adding leaf before any domain exists")
	}
}

func TestAddNonLeafFirstBecomesLevel1(t *testing.T) {
	tr := New(2, 2)
	n, err := tr.AddNonLeaf(NodeInfo{Name: "d1", Address: "d1:9000"})
	if err != nil {
		t.Fatalf("AddNonLeaf: %s", err)
	}
	if n.Level != 1 {
		t.Fatalf("expected level 1, got %d", n.Level)
	}
}

func TestAddLeafCapacityExhaustion(t *testing.T) {
	tr := New(2, 2)
	if _, err := tr.AddNonLeaf(NodeInfo{Name: "d", Address: "d:1"}); err != nil {
		t.Fatalf("AddNonLeaf d: %s", err)
	}
	// d cannot parent another Domain at level 1, so d2 is promoted to a
	// level-2 root above it; d stays the only level-1 Domain taking leaves.
	if _, err := tr.AddNonLeaf(NodeInfo{Name: "d2", Address: "d2:1"}); err != nil {
		t.Fatalf("AddNonLeaf d2: %s", err)
	}
	if _, err := tr.AddLeaf(NodeInfo{Name: "l1", Address: "l1:1"}); err != nil {
		t.Fatalf("AddLeaf l1: %s", err)
	}
	if _, err := tr.AddLeaf(NodeInfo{Name: "l2", Address: "l2:1"}); err != nil {
		t.Fatalf("AddLeaf l2: %s", err)
	}
	// S1: max_local_per_domain=2, domain already has 2 leaves.
	if _, err := tr.AddLeaf(NodeInfo{Name: "l3", Address: "l3:1"}); err != ErrNoSlot {
		t.Fatalf("expected ErrNoSlot on third leaf, got %v", err)
	}
}

func TestAddLeafDuplicateUpdatesAddress(t *testing.T) {
	tr := New(2, 2)
	tr.AddNonLeaf(NodeInfo{Name: "d", Address: "d:1"})
	tr.AddNonLeaf(NodeInfo{Name: "d2", Address: "d2:1"})
	n1, _ := tr.AddLeaf(NodeInfo{Name: "l1", Address: "old"})
	n2, err := tr.AddLeaf(NodeInfo{Name: "l1", Address: "new"})
	if err != nil {
		t.Fatalf("AddLeaf duplicate: %s", err)
	}
	if n1 != n2 {
		t.Fatalf("expected same node returned for duplicate add")
	}
	if n2.Info.Address != "new" {
		t.Fatalf("expected address updated in place, got %q", n2.Info.Address)
	}
}

func TestAddNonLeafPromotesRootWhenFull(t *testing.T) {
	tr := New(10, 1) // only 1 domain child allowed per domain node
	d1, err := tr.AddNonLeaf(NodeInfo{Name: "d1", Address: "d1:1"})
	if err != nil {
		t.Fatalf("AddNonLeaf d1: %s", err)
	}
	// d1 is level 1, and only nodes above level 1 can parent a Domain, so
	// registering d2 must promote d2 itself to a new root one level up,
	// adopting d1 as its child.
	d2, err := tr.AddNonLeaf(NodeInfo{Name: "d2", Address: "d2:1"})
	if err != nil {
		t.Fatalf("AddNonLeaf d2: %s", err)
	}
	if d2.Level != 2 {
		t.Fatalf("expected d2 promoted to level 2, got %d", d2.Level)
	}
	if tr.RootNode() != d2 {
		t.Fatalf("expected d2 to become the new root")
	}
	if d2.Children["d1"] != d1 {
		t.Fatalf("expected d1 adopted as d2's child")
	}
	// d2 now has its single allowed child (d1), so the next registration
	// must promote again, growing the tree to level 3.
	d3, err := tr.AddNonLeaf(NodeInfo{Name: "d3", Address: "d3:1"})
	if err != nil {
		t.Fatalf("AddNonLeaf d3: %s", err)
	}
	if d3.Level != 3 {
		t.Fatalf("expected new root to be promoted to level 3, got %d", d3.Level)
	}
	if tr.RootNode() != d3 {
		t.Fatalf("expected d3 to become the new root")
	}
}

func TestReplaceNonLeafRequiresBroken(t *testing.T) {
	tr := New(2, 2)
	tr.AddNonLeaf(NodeInfo{Name: "d1", Address: "d1:1"})
	if _, err := tr.ReplaceNonLeaf("d1", NodeInfo{Name: "d1", Address: "d1:2"}); err == nil {
		t.Fatalf("expected error replacing a CONNECTED node")
	}
	n := tr.FindNonLeaf("d1")
	tr.SetState(n, StateBroken)
	replaced, err := tr.ReplaceNonLeaf("d1", NodeInfo{Name: "d1", Address: "d1:2"})
	if err != nil {
		t.Fatalf("ReplaceNonLeaf: %s", err)
	}
	if replaced.State != StateConnected {
		t.Fatalf("expected replaced node to be CONNECTED")
	}
	if replaced.Info.Address != "d1:2" {
		t.Fatalf("expected address rewritten")
	}
}

func TestRemoveLeaf(t *testing.T) {
	tr := New(2, 2)
	tr.AddNonLeaf(NodeInfo{Name: "d1", Address: "d1:1"})
	tr.AddNonLeaf(NodeInfo{Name: "d2", Address: "d2:1"})
	tr.AddLeaf(NodeInfo{Name: "l1", Address: "l1:1"})
	parent, err := tr.RemoveLeaf("l1")
	if err != nil {
		t.Fatalf("RemoveLeaf: %s", err)
	}
	if parent == nil {
		t.Fatalf("expected parent returned")
	}
	if tr.FindLeaf("l1") != nil {
		t.Fatalf("expected l1 removed")
	}
}

// Property 2: serialize/recover round-trips to an identical
// set of (name, address, level, parent) triples.
func TestSerializeRoundTrip(t *testing.T) {
	tr := New(2, 2)
	tr.AddNonLeaf(NodeInfo{Name: "d1", Address: "d1:1"})
	tr.AddNonLeaf(NodeInfo{Name: "d2", Address: "d2:1"})
	tr.AddLeaf(NodeInfo{Name: "l1", Address: "l1:1"})
	tr.AddLeaf(NodeInfo{Name: "l2", Address: "l2:1"})

	snapshot := tr.SerializeAsString()
	if snapshot == nil {
		t.Fatalf("expected non-nil snapshot")
	}

	recovered := New(2, 2)
	if err := recovered.RecoverFromString(snapshot); err != nil {
		t.Fatalf("RecoverFromString: %s", err)
	}

	want := triples(tr)
	got := triples(recovered)
	if len(want) != len(got) {
		t.Fatalf("triple count mismatch: want %d got %d", len(want), len(got))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("triple mismatch for %s: want %q got %q", k, v, got[k])
		}
	}
}

func triples(tr *Tree) map[string]string {
	out := map[string]string{}
	var walk func(n *Node)
	walk = func(n *Node) {
		parent := ""
		if n.Parent != nil {
			parent = n.Parent.Info.Name
		}
		out[n.Info.Name] = n.Info.Address + "|" + itoa(n.Level) + "|" + parent
		for _, c := range n.Children {
			walk(c)
		}
	}
	if root := tr.RootNode(); root != nil {
		walk(root)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestRecoverFromStringBadDataKeepsOldTopology(t *testing.T) {
	tr := New(2, 2)
	tr.AddNonLeaf(NodeInfo{Name: "d1", Address: "d1:1"})
	before := tr.RootNode()
	if err := tr.RecoverFromString([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatalf("expected error on corrupt snapshot")
	}
	if tr.RootNode() != before {
		t.Fatalf("expected topology unchanged after failed recovery")
	}
}
