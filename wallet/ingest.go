// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// Outpoint identifies a transparent output by creating transaction and
// output index.
type Outpoint struct {
	TxID  chainhash.Hash
	Index uint32
}

// NoteIngest is one decrypted wallet note found during scanning.
type NoteIngest struct {
	Pool netparams.Pool

	// CommitmentIndex is the note's index within the transaction's
	// commitment list for the pool, used to assign its tree position.
	CommitmentIndex uint32

	Value wtxmgr.Amount
	Memo  []byte

	// Address is the encoded wallet address the note pays, when the
	// scanner could attribute it.
	Address string

	// Nullifier is present when the wallet holds the spending key.
	Nullifier     [32]byte
	HaveNullifier bool

	IsChange bool
}

// TxIngest is the scanner's view of one on-chain transaction: every note
// commitment it added (wallet-owned or not, since all of them advance the
// trees), the wallet-relevant decrypted pieces, and everything it consumed.
type TxIngest struct {
	TxID chainhash.Hash

	SaplingCommitments [][32]byte
	OrchardCommitments [][32]byte

	WalletNotes []NoteIngest

	// SaplingNullifiers and OrchardNullifiers are all nullifiers the
	// transaction revealed.  The wallet matches them against its own
	// notes to detect spends.
	SaplingNullifiers [][32]byte
	OrchardNullifiers [][32]byte

	// TransparentOutputs are the wallet-owned transparent outputs the
	// transaction created.
	TransparentOutputs []wtxmgr.TransparentOutput

	// SpentOutpoints are the transparent outpoints the transaction
	// consumed.
	SpentOutpoints []Outpoint

	// Outgoing carries decoded recipient data when the scanner could
	// recover it with the outgoing viewing key.
	Outgoing []wtxmgr.OutgoingTxData
}

// IngestBlock applies one block to the wallet.  Blocks must arrive in chain
// order; a block at or below the current tip triggers an unwind of the
// replaced blocks first.
func (w *Wallet) IngestBlock(height uint64, hash [32]byte, timestamp uint64,
	txs []*TxIngest) error {

	w.txMtx.Lock()
	defer w.txMtx.Unlock()

	if len(w.blocks) > 0 {
		tip := w.blocks[0].Height
		switch {
		case height == tip+1:
		case height <= tip:
			if err := w.unwindToHeight(height - 1); err != nil {
				return err
			}
		default:
			return walletError(ErrSerialization,
				fmt.Sprintf("non-contiguous block %d after tip %d",
					height, tip), nil)
		}
	}

	for _, tx := range txs {
		w.ingestTransaction(tx, height, timestamp)
	}

	if w.trees != nil {
		w.trees.Sapling.EndBlock(height)
		w.trees.Orchard.EndBlock(height)
	}

	w.blocks = append([]BlockMeta{{
		Height: height,
		Hash:   hash,
		Time:   timestamp,
	}}, w.blocks...)
	if len(w.blocks) > maxRetainedBlocks {
		w.blocks = w.blocks[:maxRetainedBlocks]
	}
	return nil
}

// This function MUST be called with txMtx held.
func (w *Wallet) ingestTransaction(tx *TxIngest, height, timestamp uint64) {
	// All commitments advance the trees regardless of ownership, since
	// later witnesses depend on every leaf.
	var saplingStart, orchardStart uint64
	if w.trees != nil {
		saplingStart = w.trees.Sapling.Size()
		for _, cm := range tx.SaplingCommitments {
			w.trees.Sapling.Append(cm)
		}
		orchardStart = w.trees.Orchard.Size()
		for _, cm := range tx.OrchardCommitments {
			w.trees.Orchard.Append(cm)
		}
	}

	spends := w.matchSpends(tx)
	if len(tx.WalletNotes) == 0 && len(tx.TransparentOutputs) == 0 &&
		len(spends.notes) == 0 && len(spends.utxos) == 0 {

		return
	}

	rec := wtxmgr.NewTxRecord(tx.TxID, height, timestamp, false)

	for _, in := range tx.WalletNotes {
		note := wtxmgr.ShieldedNote{
			Value:         in.Value,
			Address:       in.Address,
			Memo:          in.Memo,
			Nullifier:     in.Nullifier,
			HaveNullifier: in.HaveNullifier,
			IsChange:      in.IsChange,
			Status:        wtxmgr.Unspent(),
		}
		if w.trees != nil {
			note.Witnessed = true
			if in.Pool == netparams.PoolOrchard {
				note.Position = orchardStart + uint64(in.CommitmentIndex)
			} else {
				note.Position = saplingStart + uint64(in.CommitmentIndex)
			}
		}
		rec.AddShieldedNote(in.Pool, note)
	}
	for _, out := range tx.TransparentOutputs {
		out.Status = wtxmgr.Unspent()
		rec.AddTransparentOutput(out)
	}
	rec.Outgoing = tx.Outgoing

	// A pending record for the same transaction carries data the chain
	// cannot reproduce.
	if prev, err := w.records.Record(tx.TxID); err == nil && prev.Pending {
		if len(rec.Outgoing) == 0 {
			rec.Outgoing = prev.Outgoing
		}
		rec.Price = prev.Price
		rec.HavePrice = prev.HavePrice
		log.Debugf("Transaction %v confirmed at height %d", tx.TxID, height)
	} else if price := w.Price(); price.Have {
		rec.Price = price.Price
		rec.HavePrice = true
	}

	// Finalize the wallet outputs this transaction consumed.
	for _, spend := range spends.notes {
		if err := w.records.MarkConfirmedSpent(spend.id, tx.TxID,
			height); err != nil {

			log.Warnf("Cannot mark note %v spent: %v", spend.id, err)
		}
		rec.AddSpentNullifier(spend.id.Pool, spend.nullifier)
	}
	for _, spend := range spends.utxos {
		if err := w.records.MarkConfirmedSpent(spend.id, tx.TxID,
			height); err != nil {

			log.Warnf("Cannot mark output %v spent: %v", spend.id, err)
		}
		rec.TotalTransparentValueSpent += spend.value
	}

	w.records.InsertRecord(rec)
}

// noteSpend and utxoSpend pair a consumed wallet output with the data the
// spending record needs.
type noteSpend struct {
	id        wtxmgr.OutputID
	nullifier [32]byte
}

type utxoSpend struct {
	id    wtxmgr.OutputID
	value wtxmgr.Amount
}

type matchedSpends struct {
	notes []noteSpend
	utxos []utxoSpend
}

// matchSpends resolves a transaction's revealed nullifiers and consumed
// outpoints to wallet outputs.
//
// This function MUST be called with txMtx held.
func (w *Wallet) matchSpends(tx *TxIngest) matchedSpends {
	var spends matchedSpends

	match := func(pool netparams.Pool, nfs [][32]byte) {
		for _, nf := range nfs {
			if id, ok := w.records.NoteByNullifier(pool, nf); ok {
				spends.notes = append(spends.notes, noteSpend{
					id:        id,
					nullifier: nf,
				})
			}
		}
	}
	match(netparams.PoolSapling, tx.SaplingNullifiers)
	match(netparams.PoolOrchard, tx.OrchardNullifiers)

	for _, op := range tx.SpentOutpoints {
		rec, err := w.records.Record(op.TxID)
		if err != nil {
			continue
		}
		for i := range rec.TransparentOutputs {
			out := &rec.TransparentOutputs[i]
			if out.OutputIndex != op.Index {
				continue
			}
			spends.utxos = append(spends.utxos, utxoSpend{
				id: wtxmgr.OutputID{
					TxID:  op.TxID,
					Pool:  netparams.PoolTransparent,
					Index: uint32(i),
				},
				value: out.Value,
			})
		}
	}
	return spends
}

// HandleReorg unwinds the wallet to the passed height after a chain
// reorganization.  Records confirmed above the height are dropped, spends
// by those records are reverted, and the commitment trees are truncated.
// Reorgs deeper than the retained witness history fail with
// ErrReorgTooDeep.
func (w *Wallet) HandleReorg(height uint64) error {
	w.txMtx.Lock()
	defer w.txMtx.Unlock()
	return w.unwindToHeight(height)
}

// This function MUST be called with txMtx held.
func (w *Wallet) unwindToHeight(height uint64) error {
	if w.trees != nil {
		if err := w.trees.Sapling.TruncateToHeight(height); err != nil {
			return walletError(ErrReorgTooDeep,
				fmt.Sprintf("cannot unwind to height %d", height), err)
		}
		if err := w.trees.Orchard.TruncateToHeight(height); err != nil {
			return walletError(ErrReorgTooDeep,
				fmt.Sprintf("cannot unwind to height %d", height), err)
		}
	}

	// Drop records confirmed above the unwind height.  Pending records
	// survive; their transactions may still mine on the new chain.
	removed := make(map[chainhash.Hash]struct{})
	for _, rec := range w.records.Records() {
		if !rec.Pending && rec.Height > height {
			removed[rec.TxID] = struct{}{}
		}
	}
	for txid := range removed {
		if err := w.records.RemoveRecord(txid); err != nil {
			return err
		}
	}

	// Outputs spent by a removed transaction become unspent again.
	if len(removed) > 0 {
		for _, id := range w.records.QueryIDs(wtxmgr.Query{
			PendingSpent: true, Spent: true,
			Transparent: true, Sapling: true, Orchard: true,
		}) {
			status, err := w.outputSpendStatus(id)
			if err != nil {
				continue
			}
			if _, ok := removed[status.SpendingTxID]; ok {
				if err := w.records.UnmarkSpent(id); err != nil {
					return err
				}
			}
		}
	}

	for len(w.blocks) > 0 && w.blocks[0].Height > height {
		w.blocks = w.blocks[1:]
	}
	if w.verified != nil && w.verified.Height > height {
		w.verified = nil
	}

	log.Infof("Unwound wallet to height %d (%d records removed)",
		height, len(removed))
	return nil
}

// outputSpendStatus reads the spend status of any output.
//
// This function MUST be called with txMtx held.
func (w *Wallet) outputSpendStatus(id wtxmgr.OutputID) (wtxmgr.SpendStatus, error) {
	if id.Pool == netparams.PoolTransparent {
		_, out, err := w.records.TransparentAt(id)
		if err != nil {
			return wtxmgr.SpendStatus{}, err
		}
		return out.Status, nil
	}
	_, note, err := w.records.NoteAt(id)
	if err != nil {
		return wtxmgr.SpendStatus{}, err
	}
	return note.Status, nil
}
