package catalog

import (
	"math/rand"
	"testing"
)

func TestAVLLookupPicksGreatestVersionAtOrBelow(t *testing.T) {
	var root *Node
	for _, v := range []int{90000, 100000, 110000, 120000} {
		root = Insert(root, &Node{Version: v, Alt: &Alternative{SQL: "v"}})
	}

	cases := []struct {
		query int
		want  int
	}{
		{85000, 0},
		{90000, 90000},
		{95000, 90000},
		{110500, 110000},
		{999999, 120000},
	}
	for _, c := range cases {
		got := Lookup(root, c.query)
		gotVersion := 0
		if got != nil {
			gotVersion = got.Version
		}
		if gotVersion != c.want {
			t.Errorf("Lookup(%d) = %d, want %d", c.query, gotVersion, c.want)
		}
	}
}

func TestAVLInsertRejectsDuplicateKey(t *testing.T) {
	var root *Node
	root = Insert(root, &Node{Version: 100000, Alt: &Alternative{SQL: "first"}})
	root = Insert(root, &Node{Version: 100000, Alt: &Alternative{SQL: "second"}})

	got := Lookup(root, 100000)
	if got == nil || got.Alt.SQL != "first" {
		t.Errorf("duplicate insert should be discarded, kept %v", got)
	}
}

func TestAVLStaysBalancedUnderSequentialInsert(t *testing.T) {
	var root *Node
	for v := 1; v <= 1000; v++ {
		root = Insert(root, &Node{Version: v, Alt: &Alternative{SQL: "x"}})
	}
	if bad := CheckBalance(root); bad != -1 {
		t.Fatalf("tree unbalanced at version %d after sequential insert", bad)
	}
}

func TestAVLStaysBalancedUnderRandomInsert(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	var root *Node
	seen := map[int]bool{}
	for len(seen) < 500 {
		v := r.Intn(100000)
		if seen[v] {
			continue
		}
		seen[v] = true
		root = Insert(root, &Node{Version: v, Alt: &Alternative{SQL: "x"}})
	}
	if bad := CheckBalance(root); bad != -1 {
		t.Fatalf("tree unbalanced at version %d after random insert", bad)
	}
	if h := Height(root); h > 20 {
		t.Errorf("AVL height %d too large for 500 nodes, balance invariant likely broken", h)
	}
}

func TestAVLLookupEmptyTree(t *testing.T) {
	if got := Lookup(nil, 100000); got != nil {
		t.Errorf("Lookup on empty tree = %v, want nil", got)
	}
}
