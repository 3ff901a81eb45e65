// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/wkeymgr"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// populateWallet builds a wallet with a little of everything: received and
// sent transactions, tree state, options, price, and a verified checkpoint.
func populateWallet(t *testing.T) *testHarness {
	t.Helper()

	h := setupFundedWallet(t)
	h.w.SetPrice(28.75, 1_700_000_100)
	h.w.SetOptions(Options{
		DownloadMemos:         AllMemos,
		TransactionSizeFilter: 250,
	})
	require.NoError(t, h.w.MarkVerified(10))

	_, err := h.w.SendToAddresses(context.Background(), []Recipient{{
		Address: recipientAddr(t, h), Amount: 100_000, Memo: []byte("x"),
	}}, true)
	require.NoError(t, err)
	return h
}

func reload(t *testing.T, h *testHarness) *Wallet {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, h.w.WriteTo(&buf))

	w2, err := ReadWallet(&buf, &Config{Params: h.w.params})
	require.NoError(t, err)
	return w2
}

func TestWalletRoundTrip(t *testing.T) {
	h := populateWallet(t)
	w2 := reload(t, h)

	require.Equal(t, h.w.Birthday(), w2.Birthday())
	require.Equal(t, h.w.TotalBalance(), w2.TotalBalance())
	require.Equal(t, h.w.Options(), w2.Options())
	require.Equal(t, h.w.Price(), w2.Price())

	cp1, ok1 := h.w.Verified()
	cp2, ok2 := w2.Verified()
	require.Equal(t, ok1, ok2)
	require.Equal(t, cp1, cp2)

	h1, _ := h.w.SyncedHeight()
	h2, ok := w2.SyncedHeight()
	require.True(t, ok)
	require.Equal(t, h1, h2)

	// Records round-trip in order and keep their statuses.
	recs1 := h.w.Records()
	recs2 := w2.Records()
	require.Equal(t, len(recs1), len(recs2))
	for i := range recs1 {
		require.Equal(t, recs1[i], recs2[i],
			"record %d mismatch: got %s", i, spew.Sdump(recs2[i]))
	}

	// Tree state survives: the reread wallet can witness the original
	// note at the original anchor.
	root1, err := h.w.trees.Orchard.RootAt(10)
	require.NoError(t, err)
	root2, err := w2.trees.Orchard.RootAt(10)
	require.NoError(t, err)
	require.Equal(t, root1, root2)

	// Key material survives: derivation continues identically.
	a1, err := h.w.keys.DeriveNextKey(netparams.PoolOrchard)
	require.NoError(t, err)
	a2, err := w2.keys.DeriveNextKey(netparams.PoolOrchard)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
}

func TestWalletWriteRefusedWhileEncryptedUnlocked(t *testing.T) {
	h := populateWallet(t)
	require.NoError(t, h.w.keys.Encrypt([]byte("pass")))

	var buf bytes.Buffer
	require.True(t, IsError(h.w.WriteTo(&buf), ErrEncryptedWrite))

	// Locking makes the wallet writable, and the reread wallet unlocks
	// with the same passphrase.
	require.NoError(t, h.w.keys.Lock())
	require.NoError(t, h.w.WriteTo(&buf))

	w2, err := ReadWallet(&buf, &Config{Params: h.w.params})
	require.NoError(t, err)
	require.True(t, w2.keys.IsLocked())
	require.NoError(t, w2.keys.Unlock([]byte("pass")))
}

func TestWalletWrongNetwork(t *testing.T) {
	h := populateWallet(t)

	var buf bytes.Buffer
	require.NoError(t, h.w.WriteTo(&buf))

	_, err := ReadWallet(&buf, &Config{Params: &netparams.MainNetParams})
	require.True(t, IsError(err, ErrBadNetwork))
}

func TestWalletVersionTooNew(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0x00, 0x00, 0x00})
	_, err := ReadWallet(buf, &Config{Params: &netparams.RegtestParams})
	require.True(t, IsError(err, ErrSerialization))
}

func TestViewOnlyWalletRoundTrip(t *testing.T) {
	params := &netparams.RegtestParams
	keys := wkeymgr.NewViewOnlyStore(params, codec.New(params))
	w := New(&Config{Params: params}, keys)

	var fvk [32]byte
	fvk[0] = 0x61
	_, err := w.ImportShieldedViewKey(netparams.PoolSapling,
		wkeymgr.KeyImportedFullView, fvk, 1)
	require.NoError(t, err)

	rec := wtxmgr.NewTxRecord(testTxID(1), 1, 100, false)
	rec.AddShieldedNote(netparams.PoolSapling, wtxmgr.ShieldedNote{
		Value: 25_000, Status: wtxmgr.Unspent(),
	})
	w.txMtx.Lock()
	w.records.InsertRecord(rec)
	w.trees = nil
	w.txMtx.Unlock()

	var buf bytes.Buffer
	require.NoError(t, w.WriteTo(&buf))

	w2, err := ReadWallet(&buf, &Config{Params: params})
	require.NoError(t, err)
	require.Nil(t, w2.trees)
	require.False(t, w2.keys.HasSpendAuthority())
	require.Equal(t, w.PoolBalance(netparams.PoolSapling),
		w2.PoolBalance(netparams.PoolSapling))
}
