// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wtxmgr provides the wallet's transaction metadata store: one
// record per transaction the wallet participates in, the outputs those
// transactions created for the wallet, the spend lifecycle of each output,
// and derived values such as balances and fees.
package wtxmgr

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dorianvp/zingolib/netparams"
)

// Amount represents a quantity of funds in the chain's base unit
// (zatoshis).  Output values and sums of output values are never negative.
type Amount uint64

// ZatPerCoin is the number of base units in one coin.
const ZatPerCoin = 1e8

// String returns the amount formatted as a decimal coin value.
func (a Amount) String() string {
	whole := uint64(a) / ZatPerCoin
	frac := uint64(a) % ZatPerCoin
	return strconv.FormatUint(whole, 10) + "." +
		fmt.Sprintf("%08d", frac)
}

// SpendState enumerates the lifecycle of a wallet-owned output.
type SpendState uint8

const (
	// StateUnspent is an output available for selection.
	StateUnspent SpendState = iota

	// StatePendingSpent is an output consumed by a transaction the wallet
	// built but which has not yet confirmed.  Pending-spent outputs are
	// excluded from selection and from the spendable balance.
	StatePendingSpent

	// StateSpent is an output consumed by a confirmed transaction.
	StateSpent
)

// String returns the state name.
func (s SpendState) String() string {
	switch s {
	case StateUnspent:
		return "unspent"
	case StatePendingSpent:
		return "pending-spent"
	case StateSpent:
		return "spent"
	}
	return "unknown"
}

// SpendStatus tracks whether and by which transaction an output has been
// consumed.
type SpendStatus struct {
	State SpendState

	// SpendingTxID identifies the consuming transaction.  It is only
	// valid for the pending-spent and spent states.
	SpendingTxID chainhash.Hash

	// SpendHeight is the height the consuming transaction confirmed at.
	// It is only valid for the spent state.
	SpendHeight uint64
}

// Unspent is the zero-value status of a fresh output.
func Unspent() SpendStatus {
	return SpendStatus{State: StateUnspent}
}

// OutputID uniquely identifies one wallet-owned output: the transaction
// that created it, the pool it lives in, and its index within that pool's
// output list of the record.
type OutputID struct {
	TxID  chainhash.Hash
	Pool  netparams.Pool
	Index uint32
}

// String returns a compact identifier for logging.
func (id OutputID) String() string {
	return fmt.Sprintf("%s:%s:%d", id.TxID, id.Pool, id.Index)
}

// ShieldedNote is a wallet-owned note in one of the shielded pools.
type ShieldedNote struct {
	// Value is the note value in base units.
	Value Amount

	// Address is the encoded wallet address the note pays, when the
	// scanner could attribute it.  Balance and query address filters
	// match against it.
	Address string

	// Memo is the decrypted memo, or nil when the note carried none the
	// wallet could read.
	Memo []byte

	// Position is the note commitment's leaf position in the pool's
	// commitment tree.  It is only meaningful when Witnessed is true;
	// wallets without spend authority never witness positions.
	Position  uint64
	Witnessed bool

	// Nullifier is the note's nullifier.  HaveNullifier is false for
	// notes detected with a viewing key only, which cannot compute it.
	Nullifier     [32]byte
	HaveNullifier bool

	// IsChange marks notes the wallet sent to itself as change.
	IsChange bool

	Status SpendStatus
}

// TransparentOutput is a wallet-owned transparent output.
type TransparentOutput struct {
	// OutputIndex is the output's index in its creating transaction.
	OutputIndex uint32

	// Script is the locking script.
	Script []byte

	// Address is the encoded wallet address the output pays.
	Address string

	Value  Amount
	Status SpendStatus
}

// OutgoingTxData describes one recipient output of a transaction the wallet
// sent: the encoded destination address, the value, and the attached memo.
type OutgoingTxData struct {
	Recipient string
	Value     Amount
	Memo      []byte
}

// TxRecord is everything the wallet knows about one transaction it
// participates in.
type TxRecord struct {
	TxID chainhash.Hash

	// Pending is true while the transaction is broadcast but unconfirmed.
	// Height is the confirmation height for confirmed transactions and
	// the target height the transaction was built against while pending.
	Pending bool
	Height  uint64

	// Timestamp is the block time, or the local time the wallet built the
	// transaction while pending.
	Timestamp uint64

	SaplingNotes       []ShieldedNote
	OrchardNotes       []ShieldedNote
	TransparentOutputs []TransparentOutput

	// SpentSaplingNullifiers and SpentOrchardNullifiers are the
	// nullifiers this transaction revealed, i.e. the wallet notes it
	// consumed.
	SpentSaplingNullifiers [][32]byte
	SpentOrchardNullifiers [][32]byte

	// TotalTransparentValueSpent is the summed value of wallet
	// transparent outputs this transaction consumed.
	TotalTransparentValueSpent Amount

	// Outgoing lists the non-wallet recipients of a transaction the
	// wallet sent.  It is empty for purely received transactions.
	Outgoing []OutgoingTxData

	// Price is the coin price at receive time.  HavePrice is false when
	// no price was recorded.
	Price     float64
	HavePrice bool
}

// NewTxRecord returns an empty record for the passed transaction.
func NewTxRecord(txid chainhash.Hash, height uint64, timestamp uint64,
	pending bool) *TxRecord {

	return &TxRecord{
		TxID:      txid,
		Pending:   pending,
		Height:    height,
		Timestamp: timestamp,
	}
}

// ShieldedNotes returns the note slice for one shielded pool.
func (r *TxRecord) ShieldedNotes(pool netparams.Pool) []ShieldedNote {
	if pool == netparams.PoolOrchard {
		return r.OrchardNotes
	}
	return r.SaplingNotes
}

// noteSlice returns a pointer to the note slice for in-place mutation.
func (r *TxRecord) noteSlice(pool netparams.Pool) *[]ShieldedNote {
	if pool == netparams.PoolOrchard {
		return &r.OrchardNotes
	}
	return &r.SaplingNotes
}

// AddShieldedNote appends a received note and returns its output index.
func (r *TxRecord) AddShieldedNote(pool netparams.Pool, note ShieldedNote) uint32 {
	notes := r.noteSlice(pool)
	*notes = append(*notes, note)
	return uint32(len(*notes) - 1)
}

// AddTransparentOutput appends a received transparent output and returns
// its index within the record.
func (r *TxRecord) AddTransparentOutput(out TransparentOutput) uint32 {
	r.TransparentOutputs = append(r.TransparentOutputs, out)
	return uint32(len(r.TransparentOutputs) - 1)
}

// AddSpentNullifier records that this transaction revealed a nullifier.
func (r *TxRecord) AddSpentNullifier(pool netparams.Pool, nf [32]byte) {
	if pool == netparams.PoolOrchard {
		r.SpentOrchardNullifiers = append(r.SpentOrchardNullifiers, nf)
	} else {
		r.SpentSaplingNullifiers = append(r.SpentSaplingNullifiers, nf)
	}
}

// TotalValueReceived sums the values of all outputs the record created for
// the wallet across every pool.
func (r *TxRecord) TotalValueReceived() Amount {
	var total Amount
	for i := range r.SaplingNotes {
		total += r.SaplingNotes[i].Value
	}
	for i := range r.OrchardNotes {
		total += r.OrchardNotes[i].Value
	}
	for i := range r.TransparentOutputs {
		total += r.TransparentOutputs[i].Value
	}
	return total
}

// TotalValueOutgoing sums the values sent to non-wallet recipients.
func (r *TxRecord) TotalValueOutgoing() Amount {
	var total Amount
	for i := range r.Outgoing {
		total += r.Outgoing[i].Value
	}
	return total
}
