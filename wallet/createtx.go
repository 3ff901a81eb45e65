// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"sort"

	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// SelectPolicy controls which pools may fund a spend.
type SelectPolicy struct {
	// TransparentOnly restricts selection to transparent outputs.
	TransparentOnly bool

	// AllowTransparent lets transparent outputs fund the spend, alone
	// when they cover the target or alongside shielded notes when they
	// do not.
	AllowTransparent bool

	// PreferOrchard drains orchard notes before sapling notes.
	PreferOrchard bool
}

// Selection is the set of wallet outputs chosen to fund a spend.
// Transparent funds are all-or-nothing: when they participate, every
// spendable utxo is consumed, shielding the remainder as change.  All
// shielded witnesses are produced against a single anchor.
type Selection struct {
	// Utxos are the selected transparent outputs.
	Utxos []wtxmgr.OutputID

	// Notes are the selected shielded notes.  All witnesses are produced
	// against AnchorHeight.
	Notes        []wtxmgr.OutputID
	AnchorHeight uint64

	Total wtxmgr.Amount
}

// IDs returns all selected output identifiers.
func (sel *Selection) IDs() []wtxmgr.OutputID {
	ids := make([]wtxmgr.OutputID, 0, len(sel.Utxos)+len(sel.Notes))
	ids = append(ids, sel.Utxos...)
	ids = append(ids, sel.Notes...)
	return ids
}

// candidate is one spendable output under consideration.
type candidate struct {
	id    wtxmgr.OutputID
	value wtxmgr.Amount
	conf  uint64
}

// SelectForSpend chooses outputs to fund a spend of the target amount.  It
// fails with ErrInsufficientFunds when no anchor tier can cover the target.
func (w *Wallet) SelectForSpend(target wtxmgr.Amount, policy SelectPolicy) (*Selection, error) {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()

	sel := w.selectForSpend(target, policy)
	if sel.Total < target {
		return nil, walletError(ErrInsufficientFunds,
			fmt.Sprintf("no combination of outputs with at least %d "+
				"confirmations covers the requested amount",
				w.params.MinConfirmations()), nil)
	}
	return sel, nil
}

// selectForSpend implements the selection policy.  On failure it returns an
// empty selection with a zero total.
//
// This function MUST be called with txMtx held.
func (w *Wallet) selectForSpend(target wtxmgr.Amount, policy SelectPolicy) *Selection {
	var syncedHeight uint64
	if len(w.blocks) > 0 {
		syncedHeight = w.blocks[0].Height
	}

	// Transparent funds are swept in full whenever they participate, so
	// the whole transparent balance migrates into shielded change.
	var utxos []candidate
	var utxoTotal wtxmgr.Amount
	if policy.TransparentOnly || policy.AllowTransparent {
		utxos, utxoTotal = w.transparentCandidates(syncedHeight)
	}
	if policy.TransparentOnly || (utxoTotal >= target && target > 0) {
		if utxoTotal < target {
			return &Selection{}
		}
		sel := &Selection{Total: utxoTotal, AnchorHeight: syncedHeight}
		for _, c := range utxos {
			sel.Utxos = append(sel.Utxos, c.id)
		}
		return sel
	}

	if w.trees == nil {
		return &Selection{}
	}

	var oldestRetained uint64
	if n := len(w.blocks); n > 0 {
		oldestRetained = w.blocks[n-1].Height
	}

	// Walk the anchor tiers deepest first.  A deeper anchor costs more
	// confirmations but tolerates larger reorgs, so the first tier whose
	// well-confirmed notes cover the target wins.  Transparent funds, if
	// any, count toward the running total.
	for _, offset := range w.params.AnchorOffsets {
		if syncedHeight < uint64(offset) {
			continue
		}
		// The anchor never precedes the oldest retained block, since no
		// witness survives past the retention window.
		anchorHeight := syncedHeight - uint64(offset)
		if anchorHeight < oldestRetained {
			anchorHeight = oldestRetained
		}
		needConf := syncedHeight - anchorHeight + 1

		notes := w.shieldedCandidates(syncedHeight, needConf,
			policy.PreferOrchard)
		total := utxoTotal
		var chosen []wtxmgr.OutputID
		for _, c := range notes {
			if total >= target {
				break
			}
			chosen = append(chosen, c.id)
			total += c.value
		}
		if total >= target {
			log.Debugf("Selected %d notes and %d utxos totaling %v "+
				"at anchor offset %d", len(chosen), len(utxos),
				total, offset)
			sel := &Selection{
				Notes:        chosen,
				AnchorHeight: anchorHeight,
				Total:        total,
			}
			for _, c := range utxos {
				sel.Utxos = append(sel.Utxos, c.id)
			}
			return sel
		}
	}

	return &Selection{}
}

// transparentCandidates lists the wallet's spendable transparent outputs.
//
// This function MUST be called with txMtx held.
func (w *Wallet) transparentCandidates(syncedHeight uint64) ([]candidate, wtxmgr.Amount) {
	ours := make(map[string]struct{})
	for _, addr := range w.keys.TransparentAddresses() {
		ours[addr] = struct{}{}
	}

	var out []candidate
	var total wtxmgr.Amount
	for _, rec := range w.records.Records() {
		conf := confirmations(rec, syncedHeight)
		if conf == 0 {
			continue
		}
		for i := range rec.TransparentOutputs {
			o := &rec.TransparentOutputs[i]
			if o.Status.State != wtxmgr.StateUnspent {
				continue
			}
			if _, ok := ours[o.Address]; !ok {
				continue
			}
			out = append(out, candidate{
				id: wtxmgr.OutputID{
					TxID:  rec.TxID,
					Pool:  netparams.PoolTransparent,
					Index: uint32(i),
				},
				value: o.Value,
				conf:  conf,
			})
			total += o.Value
		}
	}
	return out, total
}

// shieldedCandidates lists spendable notes with at least needConf
// confirmations, smallest value first.  Notes from the preferred pool come
// before the other pool so small notes there are consumed first.
//
// This function MUST be called with txMtx held.
func (w *Wallet) shieldedCandidates(syncedHeight, needConf uint64,
	preferOrchard bool) []candidate {

	pools := []netparams.Pool{netparams.PoolSapling, netparams.PoolOrchard}
	if preferOrchard {
		pools = []netparams.Pool{netparams.PoolOrchard, netparams.PoolSapling}
	}

	var all []candidate
	for _, pool := range pools {
		var poolNotes []candidate
		for _, rec := range w.records.Records() {
			conf := confirmations(rec, syncedHeight)
			if conf < needConf {
				continue
			}
			notes := rec.ShieldedNotes(pool)
			for i := range notes {
				note := &notes[i]
				if note.Status.State != wtxmgr.StateUnspent ||
					!note.Witnessed || !note.HaveNullifier {

					continue
				}
				poolNotes = append(poolNotes, candidate{
					id: wtxmgr.OutputID{
						TxID:  rec.TxID,
						Pool:  pool,
						Index: uint32(i),
					},
					value: note.Value,
					conf:  conf,
				})
			}
		}
		sort.SliceStable(poolNotes, func(i, j int) bool {
			return poolNotes[i].value < poolNotes[j].value
		})
		all = append(all, poolNotes...)
	}
	return all
}
