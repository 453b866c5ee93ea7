package evidence

import (
	"errors"
	"fmt"
)

// ErrNoLeaves is returned by BuildTree for an empty leaf set.
var ErrNoLeaves = errors.New("merkle: no leaves")

// Sibling positions in a ProofStep.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// ProofStep is one level of an inclusion proof. Position is the side the
// sibling sits on. Duplicate marks a sibling that is the node itself, paired
// with itself because its level had an odd number of nodes.
type ProofStep struct {
	Hash      string `json:"hash"`
	Position  string `json:"position"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Tree is a binary Merkle tree over hex leaf digests. A level with an odd
// number of nodes pairs its last node with itself.
type Tree struct {
	levels [][]string
}

// BuildTree hashes leaves bottom-up until one root remains.
func BuildTree(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	level := append([]string(nil), leaves...)
	levels := [][]string{level}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashPair(left, right))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the root digest.
func (t *Tree) Root() string {
	return t.levels[len(t.levels)-1][0]
}

// Depth returns the number of combination rounds; 0 for a single leaf.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0, %d)", index, t.LeafCount())
	}
	steps := make([]ProofStep, 0, t.Depth())
	idx := index
	for _, nodes := range t.levels[:len(t.levels)-1] {
		if idx%2 == 1 {
			steps = append(steps, ProofStep{Hash: nodes[idx-1], Position: PositionLeft})
		} else if idx+1 < len(nodes) {
			steps = append(steps, ProofStep{Hash: nodes[idx+1], Position: PositionRight})
		} else {
			steps = append(steps, ProofStep{Hash: nodes[idx], Position: PositionRight, Duplicate: true})
		}
		idx /= 2
	}
	return steps, nil
}

// ComputeRoot folds a leaf through its proof. It returns "" when a step
// marked Duplicate does not repeat the running node, or a position is unknown.
func ComputeRoot(leaf string, steps []ProofStep) string {
	h := leaf
	for _, s := range steps {
		if s.Duplicate && s.Hash != h {
			return ""
		}
		switch s.Position {
		case PositionLeft:
			h = HashPair(s.Hash, h)
		case PositionRight:
			h = HashPair(h, s.Hash)
		default:
			return ""
		}
	}
	return h
}

// VerifyProof reports whether leaf and steps reproduce root.
func VerifyProof(leaf string, steps []ProofStep, root string) bool {
	computed := ComputeRoot(leaf, steps)
	return computed != "" && computed == root
}
