// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// Balance is the per-pool balance breakdown.
//
// Gross counts every unspent output, including ones in unconfirmed
// transactions.  Verified counts outputs confirmed deeply enough for the
// strictest anchor tier.  Unverified is the remainder.  Spendable further
// requires that the wallet can actually produce a spend: the note is
// witnessed in the commitment tree and its nullifier is known.
type Balance struct {
	Gross      wtxmgr.Amount
	Unverified wtxmgr.Amount
	Verified   wtxmgr.Amount
	Spendable  wtxmgr.Amount
}

// confirmations returns the number of confirmations of a record at the
// current synced height.  Pending transactions have zero.
func confirmations(rec *wtxmgr.TxRecord, syncedHeight uint64) uint64 {
	if rec.Pending || rec.Height > syncedHeight {
		return 0
	}
	return syncedHeight - rec.Height + 1
}

// PoolBalance computes the balance breakdown for one pool.
func (w *Wallet) PoolBalance(pool netparams.Pool) Balance {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()
	return w.poolBalance(pool, "")
}

// AddressBalance computes the balance breakdown for one pool restricted to
// outputs paying the passed encoded address.
func (w *Wallet) AddressBalance(pool netparams.Pool, addr string) Balance {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()
	return w.poolBalance(pool, addr)
}

// verifiedAnchorHeight returns the height at or below which confirmed
// funds count as verified, clamped so it never precedes the oldest
// retained block.
//
// This function MUST be called with txMtx held.
func (w *Wallet) verifiedAnchorHeight(syncedHeight uint64) uint64 {
	minConf := uint64(w.params.MinConfirmations())
	var anchor uint64
	if syncedHeight+1 > minConf {
		anchor = syncedHeight + 1 - minConf
	}
	if n := len(w.blocks); n > 0 {
		if oldest := w.blocks[n-1].Height; anchor < oldest {
			anchor = oldest
		}
	}
	return anchor
}

// This function MUST be called with txMtx held.
func (w *Wallet) poolBalance(pool netparams.Pool, addrFilter string) Balance {
	var bal Balance

	var syncedHeight uint64
	if len(w.blocks) > 0 {
		syncedHeight = w.blocks[0].Height
	}
	anchorHeight := w.verifiedAnchorHeight(syncedHeight)

	transparentAddrs := make(map[string]struct{})
	if pool == netparams.PoolTransparent {
		for _, addr := range w.keys.TransparentAddresses() {
			transparentAddrs[addr] = struct{}{}
		}
	}

	for _, rec := range w.records.Records() {
		verified := !rec.Pending && rec.Height <= anchorHeight

		if pool == netparams.PoolTransparent {
			for i := range rec.TransparentOutputs {
				out := &rec.TransparentOutputs[i]
				if out.Status.State != wtxmgr.StateUnspent {
					continue
				}
				if addrFilter != "" && out.Address != addrFilter {
					continue
				}
				bal.Gross += out.Value
				_, owned := transparentAddrs[out.Address]
				if !verified {
					if owned {
						bal.Unverified += out.Value
					}
					continue
				}
				bal.Verified += out.Value
				if owned {
					bal.Spendable += out.Value
				}
			}
			continue
		}

		notes := rec.ShieldedNotes(pool)
		for i := range notes {
			note := &notes[i]
			if note.Status.State != wtxmgr.StateUnspent {
				continue
			}
			if addrFilter != "" && note.Address != addrFilter {
				continue
			}
			bal.Gross += note.Value
			if !verified {
				// Notes detected with a viewing key only can never
				// mature into spendable funds, so they stay out of
				// the unverified category too.
				if note.HaveNullifier {
					bal.Unverified += note.Value
				}
				continue
			}
			bal.Verified += note.Value
			if w.trees != nil && note.Witnessed && note.HaveNullifier {
				bal.Spendable += note.Value
			}
		}
	}

	return bal
}

// TotalBalance sums the balance breakdowns of every pool.
func (w *Wallet) TotalBalance() Balance {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()

	var total Balance
	for _, pool := range []netparams.Pool{
		netparams.PoolTransparent,
		netparams.PoolSapling,
		netparams.PoolOrchard,
	} {
		bal := w.poolBalance(pool, "")
		total.Gross += bal.Gross
		total.Unverified += bal.Unverified
		total.Verified += bal.Verified
		total.Spendable += bal.Spendable
	}
	return total
}
