// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package witness

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func leafAt(i byte) [32]byte {
	var leaf [32]byte
	leaf[0] = i
	leaf[31] = ^i
	return leaf
}

func TestEmptyTreeRoot(t *testing.T) {
	tree := NewTree()
	tree.EndBlock(100)

	root, err := tree.RootAt(100)
	require.NoError(t, err)
	require.Equal(t, emptyRoots[TreeDepth], root)

	// No snapshots at all means no witness data.
	_, err = NewTree().RootAt(100)
	require.ErrorIs(t, err, ErrNoWitness)
}

func TestAppendPositions(t *testing.T) {
	tree := NewTree()
	for i := byte(0); i < 10; i++ {
		require.Equal(t, uint64(i), tree.Append(leafAt(i)))
	}
	require.Equal(t, uint64(10), tree.Size())
}

// TestWitnessAuthenticatesRoot checks that every leaf's authentication path
// recomputes the root at the same anchor height.
func TestWitnessAuthenticatesRoot(t *testing.T) {
	tree := NewTree()
	for i := byte(0); i < 7; i++ {
		tree.Append(leafAt(i))
	}
	tree.EndBlock(50)

	root, err := tree.RootAt(50)
	require.NoError(t, err)

	for i := byte(0); i < 7; i++ {
		path, err := tree.WitnessAt(50, uint64(i))
		require.NoError(t, err)
		require.Equal(t, root, path.Root(leafAt(i)),
			"path for leaf %d must authenticate the anchor root", i)
	}

	_, err = tree.WitnessAt(50, 7)
	require.ErrorIs(t, err, ErrInvalidPosition)
}

// TestHistoricalRoots checks that roots and paths at an old anchor height
// exclude commitments added in later blocks.
func TestHistoricalRoots(t *testing.T) {
	tree := NewTree()
	tree.Append(leafAt(0))
	tree.Append(leafAt(1))
	tree.EndBlock(10)
	oldRoot, err := tree.RootAt(10)
	require.NoError(t, err)

	tree.Append(leafAt(2))
	tree.EndBlock(11)
	newRoot, err := tree.RootAt(11)
	require.NoError(t, err)
	require.NotEqual(t, oldRoot, newRoot)

	// The old anchor is still reproducible and the old path still
	// authenticates against it.
	again, err := tree.RootAt(10)
	require.NoError(t, err)
	require.Equal(t, oldRoot, again)

	path, err := tree.WitnessAt(10, 0)
	require.NoError(t, err)
	require.Equal(t, oldRoot, path.Root(leafAt(0)))

	// The leaf added at height 11 is not in the height 10 tree.
	_, err = tree.WitnessAt(10, 2)
	require.ErrorIs(t, err, ErrInvalidPosition)

	// A height between snapshots resolves to the nearest earlier one.
	root, err := tree.RootAt(12)
	require.NoError(t, err)
	require.Equal(t, newRoot, root)
}

func TestSnapshotWindow(t *testing.T) {
	tree := NewTree()
	for h := uint64(1); h <= MaxSnapshots+10; h++ {
		tree.Append(leafAt(byte(h)))
		tree.EndBlock(h)
	}

	// Heights before the window are gone.
	_, err := tree.RootAt(5)
	require.ErrorIs(t, err, ErrNoWitness)

	// The oldest retained height still works.
	_, err = tree.RootAt(11)
	require.NoError(t, err)

	latest, ok := tree.LatestHeight()
	require.True(t, ok)
	require.Equal(t, uint64(MaxSnapshots+10), latest)
}

// TestTruncateToHeight checks reorg unwinding restores an earlier state.
func TestTruncateToHeight(t *testing.T) {
	tree := NewTree()
	tree.Append(leafAt(0))
	tree.EndBlock(10)
	rootAt10, err := tree.RootAt(10)
	require.NoError(t, err)

	tree.Append(leafAt(1))
	tree.Append(leafAt(2))
	tree.EndBlock(11)

	require.NoError(t, tree.TruncateToHeight(10))
	require.Equal(t, uint64(1), tree.Size())

	latest, ok := tree.LatestHeight()
	require.True(t, ok)
	require.Equal(t, uint64(10), latest)

	root, err := tree.RootAt(10)
	require.NoError(t, err)
	require.Equal(t, rootAt10, root)

	// Re-appending after the unwind assigns the freed positions again.
	require.Equal(t, uint64(1), tree.Append(leafAt(9)))

	// Unwinding past the window fails.
	require.ErrorIs(t, tree.TruncateToHeight(3), ErrNoWitness)
}

func TestTreeSerialization(t *testing.T) {
	tree := NewTree()
	for i := byte(0); i < 5; i++ {
		tree.Append(leafAt(i))
		tree.EndBlock(uint64(i) + 100)
	}

	var buf bytes.Buffer
	require.NoError(t, tree.WriteTo(&buf))

	reread, err := ReadTree(&buf)
	require.NoError(t, err)
	require.Equal(t, tree.Size(), reread.Size())

	want, err := tree.RootAt(102)
	require.NoError(t, err)
	got, err := reread.RootAt(102)
	require.NoError(t, err)
	require.Equal(t, want, got)

	path, err := reread.WitnessAt(104, 3)
	require.NoError(t, err)
	root, err := reread.RootAt(104)
	require.NoError(t, err)
	require.Equal(t, root, path.Root(leafAt(3)))
}

// TestTreeSerializationCorruptLeafCount feeds an absurd leaf count and
// checks the reader returns an error instead of allocating for it.
func TestTreeSerializationCorruptLeafCount(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, treeVersion))
	require.NoError(t, wire.WriteVarInt(&buf, pver, 1<<61))

	_, err := ReadTree(&buf)
	require.Error(t, err)
}
