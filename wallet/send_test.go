// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/wkeymgr"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// setupFundedWallet ingests one orchard note and enough empty blocks to
// make every anchor tier usable.
func setupFundedWallet(t *testing.T) *testHarness {
	t.Helper()

	h := newTestWallet(t)
	h.ingestNote(t, 1, 1, netparams.PoolOrchard, 500_000)
	h.mineEmpty(t, 12)
	return h
}

func recipientAddr(t *testing.T, h *testHarness) string {
	t.Helper()

	addr, ok := h.w.keys.DefaultAddress(netparams.PoolSapling)
	require.True(t, ok)
	return addr
}

func TestSendToAddresses(t *testing.T) {
	h := setupFundedWallet(t)
	recipients := []Recipient{{
		Address: recipientAddr(t, h),
		Amount:  100_000,
		Memo:    []byte("lunch"),
	}}

	txid, err := h.w.SendToAddresses(context.Background(), recipients, true)
	require.NoError(t, err)
	require.Equal(t, h.builder.txid, txid)
	require.Len(t, *h.broadcast, 1)

	// The input note is pending-spent and out of the balance.
	bal := h.w.PoolBalance(netparams.PoolOrchard)
	require.Equal(t, wtxmgr.Amount(0), bal.Spendable)

	// The pending record carries the recipient, the revealed nullifier,
	// and the anticipated change note.
	rec, err := h.w.records.Record(txid)
	require.NoError(t, err)
	require.True(t, rec.Pending)
	require.Equal(t, uint64(13), rec.Height)
	require.Len(t, rec.Outgoing, 1)
	require.Equal(t, wtxmgr.Amount(100_000), rec.Outgoing[0].Value)
	require.Equal(t, []byte("lunch"), rec.Outgoing[0].Memo)
	require.Len(t, rec.SpentOrchardNullifiers, 1)
	require.Len(t, rec.OrchardNotes, 1)
	require.True(t, rec.OrchardNotes[0].IsChange)
	require.Equal(t, wtxmgr.Amount(500_000-100_000-DefaultFee),
		rec.OrchardNotes[0].Value)

	// The fee is derivable from the pending record.
	fee, err := h.w.Fee(txid)
	require.NoError(t, err)
	require.Equal(t, DefaultFee, fee)

	// The build request was anchored and witnessed.
	req := h.builder.lastReq
	require.Len(t, req.Inputs, 1)
	require.NotNil(t, req.Inputs[0].Witness)
	require.Equal(t, req.OrchardAnchor,
		req.Inputs[0].Witness.Root(testCommitment(1)))

	// Progress reached the builder's final step and recorded the txid.
	// The total is fixed up front: one shielded spend plus one shielded
	// recipient.
	p := h.w.SendProgressSnapshot()
	require.False(t, p.IsSendInProgress)
	require.Equal(t, uint32(1), p.ID)
	require.Equal(t, h.builder.steps, p.Progress)
	require.Equal(t, uint32(2), p.Total)
	require.Empty(t, p.LastError)
	require.NotNil(t, p.LastTxID)
	require.Equal(t, txid, *p.LastTxID)
}

func TestSendBroadcastFailure(t *testing.T) {
	h := setupFundedWallet(t)
	*h.bcastErr = errors.New("tx rejected")

	_, err := h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h),
		Amount:  100_000,
	}}, true)
	require.True(t, IsError(err, ErrBroadcast))

	// The input stays pending-spent: the transaction may have reached
	// the network anyway, so only a rescan may release it.
	bal := h.w.PoolBalance(netparams.PoolOrchard)
	require.Equal(t, wtxmgr.Amount(0), bal.Spendable)

	h.w.txMtx.RLock()
	_, note, noteErr := h.w.records.NoteAt(wtxmgr.OutputID{
		TxID: testTxID(1), Pool: netparams.PoolOrchard, Index: 0,
	})
	h.w.txMtx.RUnlock()
	require.NoError(t, noteErr)
	require.Equal(t, wtxmgr.StatePendingSpent, note.Status.State)

	// No record was created and the failure is visible in the progress.
	require.Equal(t, 0, len(h.w.Records()))
	p := h.w.SendProgressSnapshot()
	require.False(t, p.IsSendInProgress)
	require.Contains(t, p.LastError, "rejected")
	require.Nil(t, p.LastTxID)

	// With the only note locked, a retry cannot fund itself even though
	// the network would now accept it.
	*h.bcastErr = nil
	_, err = h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h),
		Amount:  100_000,
	}}, true)
	require.True(t, IsError(err, ErrInsufficientFunds))
	require.Equal(t, uint32(2), h.w.SendProgressSnapshot().ID)
}

func TestSendBuildFailure(t *testing.T) {
	h := setupFundedWallet(t)
	h.builder.err = errors.New("proof failed")

	_, err := h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h),
		Amount:  100_000,
	}}, true)
	require.True(t, IsError(err, ErrBuild))

	// Nothing was marked: the failure happened before the pending-spent
	// step.
	bal := h.w.PoolBalance(netparams.PoolOrchard)
	require.Equal(t, wtxmgr.Amount(500_000), bal.Spendable)
	require.Len(t, *h.broadcast, 0)
}

func TestSendValidation(t *testing.T) {
	h := setupFundedWallet(t)
	ctx := context.Background()
	good := []Recipient{{Address: recipientAddr(t, h), Amount: 1000}}

	// Bad address.
	_, err := h.w.SendToAddresses(ctx, []Recipient{{
		Address: "not-an-address", Amount: 1000,
	}}, true)
	require.True(t, IsError(err, ErrInvalidRecipient))

	// No recipients.
	_, err = h.w.SendToAddresses(ctx, nil, true)
	require.True(t, IsError(err, ErrInvalidRecipient))

	// Insufficient funds.  The error names the confirmation depth the
	// missing funds would have needed.
	_, err = h.w.SendToAddresses(ctx, []Recipient{{
		Address: recipientAddr(t, h), Amount: 1_000_000,
	}}, true)
	require.True(t, IsError(err, ErrInsufficientFunds))
	require.Contains(t, err.Error(), "confirmations")

	// Locked wallet.
	require.NoError(t, h.w.keys.Encrypt([]byte("pass")))
	require.NoError(t, h.w.keys.Lock())
	_, err = h.w.SendToAddresses(ctx, good, true)
	require.True(t, IsError(err, ErrLocked))
	require.NoError(t, h.w.keys.Unlock([]byte("pass")))

	// Each failed attempt still burned an attempt id.
	require.Equal(t, uint32(4), h.w.SendProgressSnapshot().ID)
}

func TestSendSerialized(t *testing.T) {
	h := setupFundedWallet(t)

	// Claim the send slot by hand and verify a second send is refused.
	require.NoError(t, h.w.beginSend())
	_, err := h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h), Amount: 1000,
	}}, true)
	require.True(t, IsError(err, ErrSendInProgress))
	h.w.finishSend(nil, nil)

	_, err = h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h), Amount: 1000,
	}}, true)
	require.NoError(t, err)
}

// TestSendTransparentFundedAnchor funds a wallet with transparent outputs
// only and checks the build anchors its shielded change on the verified
// checkpoint, failing without one.
func TestSendTransparentFundedAnchor(t *testing.T) {
	h := newTestWallet(t)
	addr, ok := h.w.keys.DefaultAddress(netparams.PoolTransparent)
	require.True(t, ok)

	tx := &TxIngest{
		TxID: testTxID(3),
		TransparentOutputs: []wtxmgr.TransparentOutput{{
			OutputIndex: 0,
			Address:     addr,
			Value:       300_000,
		}},
	}
	var hash [32]byte
	require.NoError(t, h.w.IngestBlock(1, hash, 100, []*TxIngest{tx}))
	h.mineEmpty(t, 12)

	// No shielded spend fixes an anchor and nothing is verified yet.
	_, err := h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h), Amount: 50_000,
	}}, true)
	require.True(t, IsError(err, ErrBuild))

	require.NoError(t, h.w.MarkVerified(10))
	_, err = h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h), Amount: 50_000,
	}}, true)
	require.NoError(t, err)

	cp, ok := h.w.Verified()
	require.True(t, ok)
	req := h.builder.lastReq
	require.Empty(t, req.Inputs)
	require.Len(t, req.Utxos, 1)
	require.Equal(t, cp.Height, req.AnchorHeight)
	require.Equal(t, cp.SaplingRoot, req.SaplingAnchor)
	require.Equal(t, cp.OrchardRoot, req.OrchardAnchor)
}

func TestSendViewOnly(t *testing.T) {
	params := &netparams.RegtestParams
	keys := wkeymgr.NewViewOnlyStore(params, codec.New(params))
	w := New(&Config{
		Params:    params,
		Builder:   &fakeBuilder{},
		Broadcast: func(context.Context, []byte) error { return nil },
	}, keys)

	_, err := w.SendToAddresses(context.Background(), []Recipient{{
		Address: "zregtestsapling1xyz", Amount: 1000,
	}}, true)
	require.True(t, IsError(err, ErrNoSpendCapability))
}
