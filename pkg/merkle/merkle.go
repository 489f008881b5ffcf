// Package merkle builds a Merkle tree over fragment digests so a file's
// integrity can be summarized in one root hash and any single fragment can
// be proven against it.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoLeaves is returned when a tree is built from zero digests.
var ErrNoLeaves = errors.New("no leaf hashes provided")

// Tree is a Merkle tree over fixed leaf hashes. An odd level is padded by
// duplicating its last hash before pairing.
type Tree struct {
	levels    [][][]byte
	leafCount int
}

// NewTree builds a tree from raw leaf hashes, in fragment-index order.
func NewTree(leafHashes [][]byte) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([][]byte, len(leafHashes))
	for i, h := range leafHashes {
		level[i] = append([]byte(nil), h...)
	}

	t := &Tree{leafCount: len(leafHashes)}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		t.levels = append(t.levels, level)

		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, pairHash(level[i], level[i+1]))
		}
		level = next
	}
	t.levels = append(t.levels, level)
	return t, nil
}

func pairHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Root returns the root hash.
func (t *Tree) Root() []byte {
	root := t.levels[len(t.levels)-1][0]
	return append([]byte(nil), root...)
}

// RootHex returns the root hash as a hex string.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.levels[len(t.levels)-1][0])
}

// LeafCount returns the number of original leaves.
func (t *Tree) LeafCount() int { return t.leafCount }

// ProofStep is one sibling hash on the path from a leaf to the root. Left
// marks the sibling as the left operand of the pair hash.
type ProofStep struct {
	Hash []byte `json:"hash"`
	Left bool   `json:"left"`
}

// Proof is the sibling path proving one leaf against the root.
type Proof []ProofStep

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= t.leafCount {
		return nil, fmt.Errorf("leaf index %d out of range", index)
	}

	var proof Proof
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := idx ^ 1
		proof = append(proof, ProofStep{
			Hash: append([]byte(nil), level[sib]...),
			Left: sib < idx,
		})
		idx /= 2
	}
	return proof, nil
}

// Verify replays a proof from a leaf hash and compares against the root.
func Verify(leafHash []byte, proof Proof, root []byte) bool {
	current := leafHash
	for _, step := range proof {
		if step.Left {
			current = pairHash(step.Hash, current)
		} else {
			current = pairHash(current, step.Hash)
		}
	}
	return bytes.Equal(current, root)
}

// FragmentRoot computes the hex root over fragment digests given as hex
// strings, in fragment-index order. This is the form fragment hashes take
// in storage.
func FragmentRoot(hexDigests []string) (string, error) {
	if len(hexDigests) == 0 {
		return "", ErrNoLeaves
	}
	leaves := make([][]byte, len(hexDigests))
	for i, d := range hexDigests {
		raw, err := hex.DecodeString(d)
		if err != nil {
			return "", fmt.Errorf("fragment digest %d is not hex: %w", i, err)
		}
		if len(raw) != sha256.Size {
			return "", fmt.Errorf("fragment digest %d has %d bytes, want %d", i, len(raw), sha256.Size)
		}
		leaves[i] = raw
	}
	tree, err := NewTree(leaves)
	if err != nil {
		return "", err
	}
	return tree.RootHex(), nil
}
