// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dorianvp/zingolib/netparams"
)

// nullifierKey tags a nullifier with its pool.  Nullifiers from different
// pools live in different domains and never collide semantically.
type nullifierKey struct {
	pool netparams.Pool
	nf   [32]byte
}

// Store holds all transaction records of the wallet.  Insertion order is
// preserved so that iteration and serialization are deterministic.  The
// store performs no locking; the owning wallet serializes access.
type Store struct {
	records map[chainhash.Hash]*TxRecord
	order   []chainhash.Hash

	// nullifiers maps each known note nullifier to the note that owns
	// it, for spend detection and fee derivation.
	nullifiers map[nullifierKey]OutputID
}

// NewStore returns an empty transaction store.
func NewStore() *Store {
	return &Store{
		records:    make(map[chainhash.Hash]*TxRecord),
		nullifiers: make(map[nullifierKey]OutputID),
	}
}

// InsertRecord adds a record to the store, replacing any existing record
// for the same transaction.  Replacement keeps the original insertion
// position, which is how a pending transaction becomes confirmed in place.
func (s *Store) InsertRecord(rec *TxRecord) {
	if _, ok := s.records[rec.TxID]; !ok {
		s.order = append(s.order, rec.TxID)
	}
	s.records[rec.TxID] = rec
	s.indexNullifiers(rec)

	log.Debugf("Inserted record %v (pending=%v, height=%d)",
		rec.TxID, rec.Pending, rec.Height)
}

// indexNullifiers registers the nullifiers of a record's notes.
func (s *Store) indexNullifiers(rec *TxRecord) {
	for _, pool := range netparams.ShieldedPools {
		notes := rec.ShieldedNotes(pool)
		for i := range notes {
			if !notes[i].HaveNullifier {
				continue
			}
			s.nullifiers[nullifierKey{pool, notes[i].Nullifier}] = OutputID{
				TxID:  rec.TxID,
				Pool:  pool,
				Index: uint32(i),
			}
		}
	}
}

// Record returns the record for a transaction.
func (s *Store) Record(txid chainhash.Hash) (*TxRecord, error) {
	rec, ok := s.records[txid]
	if !ok {
		return nil, storeError(ErrNoTxRecord,
			fmt.Sprintf("no record for transaction %v", txid), nil)
	}
	return rec, nil
}

// Records returns all records in insertion order.
func (s *Store) Records() []*TxRecord {
	out := make([]*TxRecord, len(s.order))
	for i, txid := range s.order {
		out[i] = s.records[txid]
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	return len(s.order)
}

// RemoveRecord deletes a record, typically when a reorg invalidates the
// containing block or a pending transaction is abandoned.
func (s *Store) RemoveRecord(txid chainhash.Hash) error {
	rec, ok := s.records[txid]
	if !ok {
		return storeError(ErrNoTxRecord,
			fmt.Sprintf("no record for transaction %v", txid), nil)
	}

	for _, pool := range netparams.ShieldedPools {
		notes := rec.ShieldedNotes(pool)
		for i := range notes {
			if notes[i].HaveNullifier {
				delete(s.nullifiers,
					nullifierKey{pool, notes[i].Nullifier})
			}
		}
	}
	delete(s.records, txid)
	for i, id := range s.order {
		if id == txid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	log.Debugf("Removed record %v", txid)
	return nil
}

// NoteAt returns the record and shielded note an output identifier points
// at.
func (s *Store) NoteAt(id OutputID) (*TxRecord, *ShieldedNote, error) {
	rec, err := s.Record(id.TxID)
	if err != nil {
		return nil, nil, err
	}
	if id.Pool == netparams.PoolTransparent {
		return nil, nil, storeError(ErrNoSuchOutput,
			fmt.Sprintf("%v is not a shielded note", id), nil)
	}
	notes := rec.ShieldedNotes(id.Pool)
	if int(id.Index) >= len(notes) {
		return nil, nil, storeError(ErrNoSuchOutput,
			fmt.Sprintf("no note at %v", id), nil)
	}
	return rec, &notes[id.Index], nil
}

// TransparentAt returns the record and transparent output an output
// identifier points at.
func (s *Store) TransparentAt(id OutputID) (*TxRecord, *TransparentOutput, error) {
	rec, err := s.Record(id.TxID)
	if err != nil {
		return nil, nil, err
	}
	if id.Pool != netparams.PoolTransparent {
		return nil, nil, storeError(ErrNoSuchOutput,
			fmt.Sprintf("%v is not a transparent output", id), nil)
	}
	if int(id.Index) >= len(rec.TransparentOutputs) {
		return nil, nil, storeError(ErrNoSuchOutput,
			fmt.Sprintf("no output at %v", id), nil)
	}
	return rec, &rec.TransparentOutputs[id.Index], nil
}

// outputStatus returns a pointer to the status of any output.
func (s *Store) outputStatus(id OutputID) (*SpendStatus, Amount, error) {
	if id.Pool == netparams.PoolTransparent {
		_, out, err := s.TransparentAt(id)
		if err != nil {
			return nil, 0, err
		}
		return &out.Status, out.Value, nil
	}
	_, note, err := s.NoteAt(id)
	if err != nil {
		return nil, 0, err
	}
	return &note.Status, note.Value, nil
}

// MarkPendingSpent transitions the passed outputs from unspent to
// pending-spent by the passed transaction.  Every output must currently be
// unspent; on a failed transition nothing is modified.
func (s *Store) MarkPendingSpent(ids []OutputID, spender chainhash.Hash) error {
	statuses := make([]*SpendStatus, len(ids))
	for i, id := range ids {
		status, _, err := s.outputStatus(id)
		if err != nil {
			return err
		}
		if status.State != StateUnspent {
			return storeError(ErrInvalidTransition,
				fmt.Sprintf("output %v is %v, not unspent",
					id, status.State), nil)
		}
		statuses[i] = status
	}

	for _, status := range statuses {
		*status = SpendStatus{
			State:        StatePendingSpent,
			SpendingTxID: spender,
		}
	}

	log.Debugf("Marked %d outputs pending-spent by %v", len(ids), spender)
	return nil
}

// RevertPendingSpent returns every output pending-spent by the passed
// transaction to the unspent state.  It is used when the spending
// transaction is abandoned.
func (s *Store) RevertPendingSpent(spender chainhash.Hash) int {
	var reverted int
	s.forEachOutput(func(id OutputID, addr string, value Amount,
		status SpendStatus) {
		if status.State != StatePendingSpent ||
			status.SpendingTxID != spender {

			return
		}
		st, _, err := s.outputStatus(id)
		if err != nil {
			return
		}
		*st = Unspent()
		reverted++
	})

	if reverted > 0 {
		log.Debugf("Reverted %d pending-spent outputs of %v",
			reverted, spender)
	}
	return reverted
}

// MarkConfirmedSpent transitions an output to spent by the passed
// transaction at the passed height.  Unspent and pending-spent outputs may
// both confirm; a confirmed-spent output must not transition again.
func (s *Store) MarkConfirmedSpent(id OutputID, spender chainhash.Hash,
	height uint64) error {

	status, _, err := s.outputStatus(id)
	if err != nil {
		return err
	}
	if status.State == StateSpent {
		return storeError(ErrInvalidTransition,
			fmt.Sprintf("output %v is already spent by %v",
				id, status.SpendingTxID), nil)
	}

	*status = SpendStatus{
		State:        StateSpent,
		SpendingTxID: spender,
		SpendHeight:  height,
	}
	return nil
}

// UnmarkSpent returns a spent or pending-spent output to unspent, used when
// a reorg removes the spending transaction.
func (s *Store) UnmarkSpent(id OutputID) error {
	status, _, err := s.outputStatus(id)
	if err != nil {
		return err
	}
	*status = Unspent()
	return nil
}

// NoteByNullifier resolves a revealed nullifier to the wallet note that
// owns it, if any.
func (s *Store) NoteByNullifier(pool netparams.Pool, nf [32]byte) (OutputID, bool) {
	id, ok := s.nullifiers[nullifierKey{pool, nf}]
	return id, ok
}

// Fee derives the fee paid by a transaction the wallet sent: the summed
// value of all consumed wallet outputs minus the summed value of every
// output the transaction created.  When the wallet lacks the metadata for
// a consumed note, or the apparent outputs exceed the known inputs, the
// derivation fails with ErrMetadataUnderflow.
func (s *Store) Fee(txid chainhash.Hash) (Amount, error) {
	rec, err := s.Record(txid)
	if err != nil {
		return 0, err
	}

	inputs := rec.TotalTransparentValueSpent
	for _, pool := range netparams.ShieldedPools {
		var nfs [][32]byte
		if pool == netparams.PoolOrchard {
			nfs = rec.SpentOrchardNullifiers
		} else {
			nfs = rec.SpentSaplingNullifiers
		}
		for _, nf := range nfs {
			id, ok := s.NoteByNullifier(pool, nf)
			if !ok {
				return 0, storeError(ErrMetadataUnderflow,
					fmt.Sprintf("transaction %v spends a note "+
						"with no known value", txid), nil)
			}
			_, note, err := s.NoteAt(id)
			if err != nil {
				return 0, err
			}
			inputs += note.Value
		}
	}

	outputs := rec.TotalValueReceived() + rec.TotalValueOutgoing()
	if outputs > inputs {
		return 0, storeError(ErrMetadataUnderflow,
			fmt.Sprintf("transaction %v outputs %v exceed known "+
				"inputs %v", txid, outputs, inputs), nil)
	}
	return inputs - outputs, nil
}
