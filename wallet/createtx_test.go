// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// addNotesDirect injects a confirmed record with witnessed notes of the
// passed values, bypassing ingestion for selection-only tests.
func addNotesDirect(h *testHarness, txByte byte, height uint64,
	pool netparams.Pool, values ...wtxmgr.Amount) {

	rec := wtxmgr.NewTxRecord(testTxID(txByte), height, height*100, false)
	for i, v := range values {
		nf := testNullifier(txByte)
		nf[2] = byte(i)
		rec.AddShieldedNote(pool, wtxmgr.ShieldedNote{
			Value:         v,
			Position:      uint64(txByte)<<8 | uint64(i),
			Witnessed:     true,
			Nullifier:     nf,
			HaveNullifier: true,
			Status:        wtxmgr.Unspent(),
		})
	}
	h.w.txMtx.Lock()
	h.w.records.InsertRecord(rec)
	h.w.txMtx.Unlock()
}

// setTip fakes a fully retained block window ending at the passed height
// without touching the trees.
func setTip(h *testHarness, height uint64) {
	blocks := make([]BlockMeta, 0, height)
	for bh := height; bh >= 1; bh-- {
		blocks = append(blocks, BlockMeta{Height: bh})
	}
	h.w.txMtx.Lock()
	h.w.blocks = blocks
	h.w.txMtx.Unlock()
}

func spendPolicy(preferOrchard bool) SelectPolicy {
	return SelectPolicy{AllowTransparent: true, PreferOrchard: preferOrchard}
}

func TestSelectSmallestFirst(t *testing.T) {
	h := newTestWallet(t)
	addNotesDirect(h, 1, 1, netparams.PoolOrchard, 50_000, 10_000, 20_000)
	setTip(h, 20)

	sel, err := h.w.SelectForSpend(25_000, spendPolicy(true))
	require.NoError(t, err)

	// The two smallest notes cover the target; the 50k note stays.
	require.Len(t, sel.Notes, 2)
	require.Equal(t, wtxmgr.Amount(30_000), sel.Total)
	require.Equal(t, uint32(1), sel.Notes[0].Index, "10k note first")
	require.Equal(t, uint32(2), sel.Notes[1].Index, "20k note second")

	// All notes are deep, so the deepest anchor tier wins.
	require.Equal(t, uint64(20-9), sel.AnchorHeight)
}

// TestSelectAnchorTiers receives two notes six blocks apart and checks that
// a target needing both falls through the deep tiers to one where both
// notes have enough confirmations.
func TestSelectAnchorTiers(t *testing.T) {
	h := newTestWallet(t)
	addNotesDirect(h, 1, 1, netparams.PoolOrchard, 100_000)
	addNotesDirect(h, 2, 7, netparams.PoolOrchard, 200_000)
	setTip(h, 12)

	// The old note alone satisfies the deepest tier.
	sel, err := h.w.SelectForSpend(90_000, spendPolicy(true))
	require.NoError(t, err)
	require.Len(t, sel.Notes, 1)
	require.Equal(t, uint64(12-9), sel.AnchorHeight)

	// Needing both: the young note has 6 confirmations, so offset 9
	// (10 confirmations) fails and offset 4 (5 confirmations) is the
	// first tier that covers.
	sel, err = h.w.SelectForSpend(250_000, spendPolicy(true))
	require.NoError(t, err)
	require.Len(t, sel.Notes, 2)
	require.Equal(t, uint64(12-4), sel.AnchorHeight)

	// More than everything fails.
	_, err = h.w.SelectForSpend(400_000, spendPolicy(true))
	require.True(t, IsError(err, ErrInsufficientFunds))
}

// TestSelectAnchorClamped truncates the retained block window and checks
// the anchor never precedes its oldest block.
func TestSelectAnchorClamped(t *testing.T) {
	h := newTestWallet(t)
	addNotesDirect(h, 1, 1, netparams.PoolOrchard, 100_000)

	// Only blocks 15 through 20 are retained.
	var blocks []BlockMeta
	for bh := uint64(20); bh >= 15; bh-- {
		blocks = append(blocks, BlockMeta{Height: bh})
	}
	h.w.txMtx.Lock()
	h.w.blocks = blocks
	h.w.txMtx.Unlock()

	// The deepest tier would anchor at height 11, before the oldest
	// retained block; the clamp raises it to 15.
	sel, err := h.w.SelectForSpend(90_000, spendPolicy(true))
	require.NoError(t, err)
	require.Len(t, sel.Notes, 1)
	require.Equal(t, uint64(15), sel.AnchorHeight)
}

func TestSelectPoolPreference(t *testing.T) {
	h := newTestWallet(t)
	addNotesDirect(h, 1, 1, netparams.PoolSapling, 100_000)
	addNotesDirect(h, 2, 1, netparams.PoolOrchard, 100_000)
	setTip(h, 20)

	sel, err := h.w.SelectForSpend(90_000, spendPolicy(true))
	require.NoError(t, err)
	require.Len(t, sel.Notes, 1)
	require.Equal(t, netparams.PoolOrchard, sel.Notes[0].Pool)

	sel, err = h.w.SelectForSpend(90_000, spendPolicy(false))
	require.NoError(t, err)
	require.Equal(t, netparams.PoolSapling, sel.Notes[0].Pool)

	// Spilling over the preferred pool pulls in the other.
	sel, err = h.w.SelectForSpend(150_000, spendPolicy(true))
	require.NoError(t, err)
	require.Len(t, sel.Notes, 2)
	require.Equal(t, netparams.PoolOrchard, sel.Notes[0].Pool)
	require.Equal(t, netparams.PoolSapling, sel.Notes[1].Pool)
}

// TestSelectExcludesIneligible checks that pending, pending-spent, and
// unwitnessed notes never fund a spend.
func TestSelectExcludesIneligible(t *testing.T) {
	h := newTestWallet(t)
	setTip(h, 20)

	// Unwitnessed note.
	rec := wtxmgr.NewTxRecord(testTxID(1), 1, 100, false)
	rec.AddShieldedNote(netparams.PoolOrchard, wtxmgr.ShieldedNote{
		Value: 100_000, Status: wtxmgr.Unspent(),
	})
	// Pending record.
	rec2 := wtxmgr.NewTxRecord(testTxID(2), 21, 2100, true)
	rec2.AddShieldedNote(netparams.PoolOrchard, wtxmgr.ShieldedNote{
		Value: 100_000, Witnessed: true, HaveNullifier: true,
		Nullifier: testNullifier(2), Status: wtxmgr.Unspent(),
	})
	h.w.txMtx.Lock()
	h.w.records.InsertRecord(rec)
	h.w.records.InsertRecord(rec2)
	h.w.txMtx.Unlock()

	// Pending-spent note.
	addNotesDirect(h, 3, 1, netparams.PoolOrchard, 100_000)
	h.w.txMtx.Lock()
	err := h.w.records.MarkPendingSpent([]wtxmgr.OutputID{{
		TxID: testTxID(3), Pool: netparams.PoolOrchard, Index: 0,
	}}, testTxID(0x99))
	h.w.txMtx.Unlock()
	require.NoError(t, err)

	_, err = h.w.SelectForSpend(50_000, spendPolicy(true))
	require.True(t, IsError(err, ErrInsufficientFunds))
}

// TestSelectTransparentSweep checks the all-or-nothing transparent policy:
// when utxos participate every utxo is consumed, alone when they cover the
// target and alongside shielded notes when they do not.
func TestSelectTransparentSweep(t *testing.T) {
	h := newTestWallet(t)
	addr, ok := h.w.keys.DefaultAddress(netparams.PoolTransparent)
	require.True(t, ok)

	rec := wtxmgr.NewTxRecord(testTxID(1), 1, 100, false)
	rec.AddTransparentOutput(wtxmgr.TransparentOutput{
		OutputIndex: 0, Address: addr, Value: 30_000,
		Status: wtxmgr.Unspent(),
	})
	rec.AddTransparentOutput(wtxmgr.TransparentOutput{
		OutputIndex: 1, Address: addr, Value: 40_000,
		Status: wtxmgr.Unspent(),
	})
	h.w.txMtx.Lock()
	h.w.records.InsertRecord(rec)
	h.w.txMtx.Unlock()
	addNotesDirect(h, 2, 1, netparams.PoolOrchard, 500_000)
	setTip(h, 20)

	// Covered by the utxos: both are swept even though one would do.
	sel, err := h.w.SelectForSpend(25_000, spendPolicy(true))
	require.NoError(t, err)
	require.Len(t, sel.Utxos, 2)
	require.Empty(t, sel.Notes)
	require.Equal(t, wtxmgr.Amount(70_000), sel.Total)

	// Not covered: shielded notes top up the swept transparent funds.
	sel, err = h.w.SelectForSpend(100_000, spendPolicy(true))
	require.NoError(t, err)
	require.Len(t, sel.Utxos, 2)
	require.Len(t, sel.Notes, 1)
	require.Equal(t, wtxmgr.Amount(570_000), sel.Total)

	// With transparent funds excluded, shielded notes carry the spend
	// alone.
	sel, err = h.w.SelectForSpend(100_000, SelectPolicy{PreferOrchard: true})
	require.NoError(t, err)
	require.Empty(t, sel.Utxos)
	require.Len(t, sel.Notes, 1)
	require.Equal(t, wtxmgr.Amount(500_000), sel.Total)
}

// TestSelectTransparentOnly checks that the transparent-only policy never
// touches shielded notes, even when they are the only way to cover the
// target.
func TestSelectTransparentOnly(t *testing.T) {
	h := newTestWallet(t)
	addr, ok := h.w.keys.DefaultAddress(netparams.PoolTransparent)
	require.True(t, ok)

	rec := wtxmgr.NewTxRecord(testTxID(1), 1, 100, false)
	rec.AddTransparentOutput(wtxmgr.TransparentOutput{
		OutputIndex: 0, Address: addr, Value: 30_000,
		Status: wtxmgr.Unspent(),
	})
	h.w.txMtx.Lock()
	h.w.records.InsertRecord(rec)
	h.w.txMtx.Unlock()
	addNotesDirect(h, 2, 1, netparams.PoolOrchard, 500_000)
	setTip(h, 20)

	policy := SelectPolicy{TransparentOnly: true}
	sel, err := h.w.SelectForSpend(25_000, policy)
	require.NoError(t, err)
	require.Len(t, sel.Utxos, 1)
	require.Empty(t, sel.Notes)

	// The shielded note could cover this, but the policy forbids it.
	_, err = h.w.SelectForSpend(100_000, policy)
	require.True(t, IsError(err, ErrInsufficientFunds))
}

// TestSelectManyNotes funds a large target from a hundred thousand small
// notes and checks the minimal prefix property holds at scale.
func TestSelectManyNotes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large selection test in short mode")
	}

	h := newTestWallet(t)
	const per = 64
	h.w.txMtx.Lock()
	for i := 0; i < 100_000; i += per {
		n := uint16(i / per)
		var txid [32]byte
		txid[0] = byte(n)
		txid[1] = byte(n >> 8)
		txid[2] = 0x7e

		rec := wtxmgr.NewTxRecord(txid, 1, 100, false)
		for j := 0; j < per; j++ {
			var nf [32]byte
			nf[0] = byte(n)
			nf[1] = byte(n >> 8)
			nf[2] = byte(j)
			rec.AddShieldedNote(netparams.PoolOrchard, wtxmgr.ShieldedNote{
				Value:         wtxmgr.Amount(1000 + (i+j)%7),
				Position:      uint64(i + j),
				Witnessed:     true,
				Nullifier:     nf,
				HaveNullifier: true,
				Status:        wtxmgr.Unspent(),
			})
		}
		h.w.records.InsertRecord(rec)
	}
	h.w.txMtx.Unlock()
	setTip(h, 20)

	target := wtxmgr.Amount(50_000_000)
	sel, err := h.w.SelectForSpend(target, spendPolicy(true))
	require.NoError(t, err)
	require.GreaterOrEqual(t, sel.Total, target)

	// Minimal prefix: dropping the last selected note must fall below
	// the target.
	h.w.txMtx.RLock()
	_, last, err := h.w.records.NoteAt(sel.Notes[len(sel.Notes)-1])
	h.w.txMtx.RUnlock()
	require.NoError(t, err)
	require.Less(t, sel.Total-last.Value, target)
}
