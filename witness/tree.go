// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package witness maintains the note commitment trees for the shielded
// pools.  Every note commitment observed on chain is appended as a leaf, and
// a bounded window of per-block tree sizes is kept so that merkle roots and
// authentication paths can be produced for any recent anchor height.  Blocks
// older than the window can no longer serve as anchors, which also bounds
// the reorg depth the wallet can unwind.
package witness

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/blake2b"

	"github.com/dorianvp/zingolib/netparams"
)

const (
	// TreeDepth is the depth of the commitment tree.  Positions are
	// indexes into a tree with 2^TreeDepth leaf slots.
	TreeDepth = 32

	// MaxSnapshots bounds the per-block history.  Anchors and reorgs
	// deeper than this many blocks are unsupported.
	MaxSnapshots = 100
)

var (
	// ErrNoWitness is returned when a root or path is requested for a
	// height outside the retained snapshot window.
	ErrNoWitness = errors.New("no witness data retained for height")

	// ErrInvalidPosition is returned when a path is requested for a leaf
	// position not present in the tree at the requested height.
	ErrInvalidPosition = errors.New("position not in tree at height")
)

// nodeTag is the blake2b key used for internal node hashing.
var nodeTag = []byte("zingo-tree-node")

// emptyRoots[l] is the root of a depth-l subtree containing no commitments.
var emptyRoots [TreeDepth + 1][32]byte

func init() {
	for level := 0; level < TreeDepth; level++ {
		emptyRoots[level+1] = hashNode(uint8(level),
			emptyRoots[level], emptyRoots[level])
	}
}

// hashNode combines two child hashes at the passed level.  The level is
// mixed in so that nodes at different heights never collide.
func hashNode(level uint8, left, right [32]byte) [32]byte {
	h, err := blake2b.New256(nodeTag)
	if err != nil {
		panic("witness: invalid blake2b key: " + err.Error())
	}
	h.Write([]byte{level})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// snapshot records the tree size at the end of one block.
type snapshot struct {
	height uint64
	size   uint64
}

// Tree is the commitment tree of a single shielded pool.  It is not safe
// for concurrent access.
type Tree struct {
	leaves    [][32]byte
	snapshots []snapshot
}

// NewTree returns an empty commitment tree.
func NewTree() *Tree {
	return &Tree{}
}

// Append adds a note commitment and returns its leaf position.
func (t *Tree) Append(leaf [32]byte) uint64 {
	t.leaves = append(t.leaves, leaf)
	return uint64(len(t.leaves) - 1)
}

// Size returns the current number of leaves.
func (t *Tree) Size() uint64 {
	return uint64(len(t.leaves))
}

// EndBlock records the tree size at the end of the block at the passed
// height and trims snapshots that fell out of the retention window.
// Heights must be recorded in increasing order; a repeated height replaces
// the earlier snapshot.
func (t *Tree) EndBlock(height uint64) {
	n := len(t.snapshots)
	if n > 0 && t.snapshots[n-1].height == height {
		t.snapshots[n-1].size = uint64(len(t.leaves))
	} else {
		t.snapshots = append(t.snapshots,
			snapshot{height: height, size: uint64(len(t.leaves))})
	}
	if len(t.snapshots) > MaxSnapshots {
		t.snapshots = t.snapshots[len(t.snapshots)-MaxSnapshots:]
	}
}

// LatestHeight returns the height of the most recent snapshot.  ok is false
// for a tree that has seen no blocks.
func (t *Tree) LatestHeight() (uint64, bool) {
	if len(t.snapshots) == 0 {
		return 0, false
	}
	return t.snapshots[len(t.snapshots)-1].height, true
}

// sizeAt returns the tree size at the end of the passed height.  For
// heights between snapshots the nearest earlier snapshot applies.
func (t *Tree) sizeAt(height uint64) (uint64, bool) {
	for i := len(t.snapshots) - 1; i >= 0; i-- {
		if t.snapshots[i].height <= height {
			return t.snapshots[i].size, true
		}
	}
	return 0, false
}

// RootAt returns the merkle root of the tree as of the end of the block at
// the passed height.  This is the anchor committed to when spending a note
// at that height.
func (t *Tree) RootAt(height uint64) ([32]byte, error) {
	size, ok := t.sizeAt(height)
	if !ok {
		return [32]byte{}, ErrNoWitness
	}
	return t.node(TreeDepth, 0, size), nil
}

// WitnessAt returns the authentication path of the leaf at position as of
// the end of the block at the passed height.  Together with RootAt for the
// same height this forms the spend witness for the note at that anchor.
func (t *Tree) WitnessAt(height, position uint64) (*MerklePath, error) {
	size, ok := t.sizeAt(height)
	if !ok {
		return nil, ErrNoWitness
	}
	if position >= size {
		return nil, ErrInvalidPosition
	}

	path := &MerklePath{Position: position}
	for level := 0; level < TreeDepth; level++ {
		index := position >> uint(level)
		path.Siblings[level] = t.node(uint8(level), index^1, size)
	}
	return path, nil
}

// node computes the hash of the subtree at the passed level and index over
// the first size leaves.
func (t *Tree) node(level uint8, index, size uint64) [32]byte {
	start := index << uint(level)
	if start >= size {
		return emptyRoots[level]
	}
	if level == 0 {
		return t.leaves[start]
	}
	left := t.node(level-1, index*2, size)
	right := t.node(level-1, index*2+1, size)
	return hashNode(level-1, left, right)
}

// TruncateToHeight unwinds the tree to its state at the end of the block at
// the passed height, dropping later leaves and snapshots.  It fails with
// ErrNoWitness when the height has already left the retention window.
func (t *Tree) TruncateToHeight(height uint64) error {
	size, ok := t.sizeAt(height)
	if !ok {
		if len(t.snapshots) == 0 {
			// A tree that never saw a block resets cleanly.
			t.leaves = nil
			return nil
		}
		return ErrNoWitness
	}

	t.leaves = t.leaves[:size]
	for len(t.snapshots) > 0 &&
		t.snapshots[len(t.snapshots)-1].height > height {

		t.snapshots = t.snapshots[:len(t.snapshots)-1]
	}
	return nil
}

// MerklePath is the authentication path of one leaf: the sibling hash at
// every level from the leaf up to the root.
type MerklePath struct {
	Position uint64
	Siblings [TreeDepth][32]byte
}

// Root recomputes the tree root from the path and the leaf it
// authenticates.
func (p *MerklePath) Root(leaf [32]byte) [32]byte {
	node := leaf
	for level := 0; level < TreeDepth; level++ {
		if p.Position>>uint(level)&1 == 0 {
			node = hashNode(uint8(level), node, p.Siblings[level])
		} else {
			node = hashNode(uint8(level), p.Siblings[level], node)
		}
	}
	return node
}

// Trees bundles the commitment trees of both shielded pools.  A wallet
// without spend authority carries no Trees at all.
type Trees struct {
	Sapling *Tree
	Orchard *Tree
}

// NewTrees returns empty trees for both pools.
func NewTrees() *Trees {
	return &Trees{Sapling: NewTree(), Orchard: NewTree()}
}

// TreeFor returns the tree of the passed shielded pool.
func (t *Trees) TreeFor(pool netparams.Pool) *Tree {
	if pool == netparams.PoolOrchard {
		return t.Orchard
	}
	return t.Sapling
}

// treeVersion is the serialization version of a single tree.
const treeVersion uint32 = 1

// pver is the protocol version passed to the wire encoding helpers.
const pver uint32 = 0

// WriteTo serializes the tree.
func (t *Tree) WriteTo(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, treeVersion); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, pver, uint64(len(t.leaves))); err != nil {
		return err
	}
	for i := range t.leaves {
		if _, err := w.Write(t.leaves[i][:]); err != nil {
			return err
		}
	}
	if err := wire.WriteVarInt(w, pver, uint64(len(t.snapshots))); err != nil {
		return err
	}
	for _, snap := range t.snapshots {
		if err := binary.Write(w, binary.LittleEndian, snap.height); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, snap.size); err != nil {
			return err
		}
	}
	return nil
}

// ReadTree deserializes a tree previously written with WriteTo.
func ReadTree(r io.Reader) (*Tree, error) {
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version > treeVersion {
		return nil, errors.New("witness: tree version is newer than this wallet understands")
	}

	t := NewTree()
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	// The count is untrusted, so grow the leaf slice as reads succeed
	// instead of allocating it up front.
	const preallocLimit = 1 << 12
	capHint := count
	if capHint > preallocLimit {
		capHint = preallocLimit
	}
	t.leaves = make([][32]byte, 0, capHint)
	for i := uint64(0); i < count; i++ {
		var leaf [32]byte
		if _, err := io.ReadFull(r, leaf[:]); err != nil {
			return nil, err
		}
		t.leaves = append(t.leaves, leaf)
	}

	count, err = wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count > MaxSnapshots {
		return nil, errors.New("witness: snapshot count exceeds retention window")
	}
	t.snapshots = make([]snapshot, count)
	for i := range t.snapshots {
		if err := binary.Read(r, binary.LittleEndian, &t.snapshots[i].height); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &t.snapshots[i].size); err != nil {
			return nil, err
		}
	}
	return t, nil
}
