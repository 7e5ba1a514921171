// Package dag implements the DAG assembler (spec.md §4.F): walking a set
// of tip references down to a single-rooted graph of CRDT-parent edges,
// ready for internal/merger to traverse in causal order.
package dag

import (
	"fmt"

	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/oid"
)

// MalformedDag reports why a tip set failed to assemble into a
// single-rooted DAG.
type MalformedDag struct {
	Reason string
}

func (e *MalformedDag) Error() string { return "dag: malformed: " + e.Reason }

// Sentinel reasons, so callers can match on the specific failure mode
// spec.md §4.F names (NoRoot, MultipleRoots, Cycle) without string
// comparison.
const (
	ReasonNoRoot        = "no root: the walked commits contain no node with zero CRDT parents"
	ReasonMultipleRoots = "multiple roots: more than one node has zero CRDT parents"
	ReasonCycle         = "cycle: a node's CRDT-parent edges form a cycle"
)

// Node is one change commit's position in the assembled DAG: its hash and
// its CRDT-parent edges (identity/schema/authorizing-identity parents are
// stripped out at assembly time).
type Node struct {
	Hash        oid.ID
	CRDTParents []oid.ID
}

// Graph is the assembled change DAG for one object.
type Graph struct {
	Root  oid.ID
	Nodes map[oid.ID]Node
}

// identityTrailers names the trailers whose values identify a commit's
// non-CRDT parents, shared with internal/change's trailer constants but
// duplicated here as plain strings to keep this package free of a
// dependency on internal/change's Store type.
var identityTrailers = [...]string{
	"X-Rad-Author", "X-Rad-Schema", "X-Rad-Authorizing-Identity",
}

// Assemble walks parents from each tip in tips, stopping at commits
// already seen or at a child's identity/schema/authorizing-identity
// parents (matched via that child's own trailers), and returns the
// resulting single-rooted graph.
func Assemble(store gitstore.Store, tips []oid.ID) (*Graph, error) {
	nodes := make(map[oid.ID]Node)
	visited := make(map[oid.ID]bool)

	var walk func(h oid.ID) error
	walk = func(h oid.ID) error {
		if visited[h] {
			return nil
		}
		visited[h] = true

		commit, err := store.ReadCommit(h)
		if err != nil {
			return fmt.Errorf("dag: read commit %s: %w", oid.Encode(h), err)
		}

		skip := make(map[oid.ID]bool, len(identityTrailers))
		for _, trailer := range identityTrailers {
			if hex, ok := commit.Trailers[trailer]; ok {
				if id, err := oid.Decode(hex); err == nil {
					skip[id] = true
				}
			}
		}

		crdtParents := make([]oid.ID, 0, len(commit.Parents))
		for _, p := range commit.Parents {
			if skip[p] {
				continue
			}
			crdtParents = append(crdtParents, p)
		}

		nodes[h] = Node{Hash: h, CRDTParents: crdtParents}
		for _, p := range crdtParents {
			if err := walk(p); err != nil {
				return err
			}
		}
		return nil
	}

	for _, tip := range tips {
		if err := walk(tip); err != nil {
			return nil, err
		}
	}

	var roots []oid.ID
	for h, n := range nodes {
		if len(n.CRDTParents) == 0 {
			roots = append(roots, h)
		}
	}
	switch len(roots) {
	case 0:
		return nil, &MalformedDag{Reason: ReasonNoRoot}
	case 1:
		// exactly one root: the valid case
	default:
		return nil, &MalformedDag{Reason: ReasonMultipleRoots}
	}

	if err := detectCycle(nodes); err != nil {
		return nil, err
	}

	return &Graph{Root: roots[0], Nodes: nodes}, nil
}

func detectCycle(nodes map[oid.ID]Node) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[oid.ID]int, len(nodes))

	var visit func(h oid.ID) error
	visit = func(h oid.ID) error {
		switch state[h] {
		case visiting:
			return &MalformedDag{Reason: ReasonCycle}
		case done:
			return nil
		}
		state[h] = visiting
		for _, p := range nodes[h].CRDTParents {
			if err := visit(p); err != nil {
				return err
			}
		}
		state[h] = done
		return nil
	}

	for h := range nodes {
		if err := visit(h); err != nil {
			return err
		}
	}
	return nil
}
