// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxMemoLen bounds memo fields read from disk.
const maxMemoLen = 1 << 16

// maxScriptLen bounds locking scripts read from disk.
const maxScriptLen = 1 << 16

// pver is the protocol version passed to the wire encoding helpers.
const pver uint32 = 0

// priceVersion is the first wallet file version that records a price per
// transaction.  Records read from older wallets have no price.
const priceVersion uint32 = 14

// noteAddressVersion is the first wallet file version whose shielded notes
// carry their receiving address.
const noteAddressVersion uint32 = 25

// preallocLimit caps slice preallocation driven by on-disk counts.  A
// corrupt count then fails on the following reads instead of exhausting
// memory up front.
const preallocLimit = 1 << 12

func prealloc(count uint64) int {
	if count > preallocLimit {
		return preallocLimit
	}
	return int(count)
}

func writeStatus(w io.Writer, status *SpendStatus) error {
	if _, err := w.Write([]byte{byte(status.State)}); err != nil {
		return err
	}
	if status.State == StateUnspent {
		return nil
	}
	if _, err := w.Write(status.SpendingTxID[:]); err != nil {
		return err
	}
	if status.State != StateSpent {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, status.SpendHeight)
}

func readStatus(r io.Reader, status *SpendStatus) error {
	var state [1]byte
	if _, err := io.ReadFull(r, state[:]); err != nil {
		return err
	}
	status.State = SpendState(state[0])
	if status.State == StateUnspent {
		return nil
	}
	if _, err := io.ReadFull(r, status.SpendingTxID[:]); err != nil {
		return err
	}
	if status.State != StateSpent {
		return nil
	}
	return binary.Read(r, binary.LittleEndian, &status.SpendHeight)
}

// writeOptBytes writes a presence flag followed by the bytes, keeping the
// distinction between an absent field and an empty one.
func writeOptBytes(w io.Writer, b []byte) error {
	if b == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, b)
}

func readOptBytes(r io.Reader, maxLen uint32, field string) ([]byte, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	b, err := wire.ReadVarBytes(r, pver, maxLen, field)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func writeShieldedNotes(w io.Writer, notes []ShieldedNote) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(notes))); err != nil {
		return err
	}
	for i := range notes {
		note := &notes[i]
		if err := binary.Write(w, binary.LittleEndian, uint64(note.Value)); err != nil {
			return err
		}
		if err := wire.WriteVarString(w, pver, note.Address); err != nil {
			return err
		}
		if err := writeOptBytes(w, note.Memo); err != nil {
			return err
		}

		var flags uint8
		if note.Witnessed {
			flags |= 1 << 0
		}
		if note.HaveNullifier {
			flags |= 1 << 1
		}
		if note.IsChange {
			flags |= 1 << 2
		}
		if _, err := w.Write([]byte{flags}); err != nil {
			return err
		}
		if note.Witnessed {
			if err := binary.Write(w, binary.LittleEndian, note.Position); err != nil {
				return err
			}
		}
		if note.HaveNullifier {
			if _, err := w.Write(note.Nullifier[:]); err != nil {
				return err
			}
		}
		if err := writeStatus(w, &note.Status); err != nil {
			return err
		}
	}
	return nil
}

func readShieldedNotes(r io.Reader, version uint32) ([]ShieldedNote, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	notes := make([]ShieldedNote, 0, prealloc(count))
	for n := uint64(0); n < count; n++ {
		var note ShieldedNote
		var value uint64
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, err
		}
		note.Value = Amount(value)
		if version >= noteAddressVersion {
			if note.Address, err = wire.ReadVarString(r, pver); err != nil {
				return nil, err
			}
		}
		if note.Memo, err = readOptBytes(r, maxMemoLen, "memo"); err != nil {
			return nil, err
		}

		var flags [1]byte
		if _, err := io.ReadFull(r, flags[:]); err != nil {
			return nil, err
		}
		note.Witnessed = flags[0]&(1<<0) != 0
		note.HaveNullifier = flags[0]&(1<<1) != 0
		note.IsChange = flags[0]&(1<<2) != 0

		if note.Witnessed {
			if err := binary.Read(r, binary.LittleEndian, &note.Position); err != nil {
				return nil, err
			}
		}
		if note.HaveNullifier {
			if _, err := io.ReadFull(r, note.Nullifier[:]); err != nil {
				return nil, err
			}
		}
		if err := readStatus(r, &note.Status); err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, nil
}

func writeNullifiers(w io.Writer, nfs [][32]byte) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(nfs))); err != nil {
		return err
	}
	for i := range nfs {
		if _, err := w.Write(nfs[i][:]); err != nil {
			return err
		}
	}
	return nil
}

func readNullifiers(r io.Reader) ([][32]byte, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	nfs := make([][32]byte, 0, prealloc(count))
	for n := uint64(0); n < count; n++ {
		var nf [32]byte
		if _, err := io.ReadFull(r, nf[:]); err != nil {
			return nil, err
		}
		nfs = append(nfs, nf)
	}
	return nfs, nil
}

// WriteTxRecord serializes a record in the current wallet file format.
func WriteTxRecord(w io.Writer, rec *TxRecord) error {
	if _, err := w.Write(rec.TxID[:]); err != nil {
		return err
	}
	var pending uint8
	if rec.Pending {
		pending = 1
	}
	if _, err := w.Write([]byte{pending}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Height); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Timestamp); err != nil {
		return err
	}

	if err := writeShieldedNotes(w, rec.SaplingNotes); err != nil {
		return err
	}
	if err := writeShieldedNotes(w, rec.OrchardNotes); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(rec.TransparentOutputs))); err != nil {
		return err
	}
	for i := range rec.TransparentOutputs {
		out := &rec.TransparentOutputs[i]
		if err := binary.Write(w, binary.LittleEndian, out.OutputIndex); err != nil {
			return err
		}
		if err := wire.WriteVarBytes(w, pver, out.Script); err != nil {
			return err
		}
		if err := wire.WriteVarString(w, pver, out.Address); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(out.Value)); err != nil {
			return err
		}
		if err := writeStatus(w, &out.Status); err != nil {
			return err
		}
	}

	if err := writeNullifiers(w, rec.SpentSaplingNullifiers); err != nil {
		return err
	}
	if err := writeNullifiers(w, rec.SpentOrchardNullifiers); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian,
		uint64(rec.TotalTransparentValueSpent)); err != nil {

		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(rec.Outgoing))); err != nil {
		return err
	}
	for i := range rec.Outgoing {
		out := &rec.Outgoing[i]
		if err := wire.WriteVarString(w, pver, out.Recipient); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(out.Value)); err != nil {
			return err
		}
		if err := writeOptBytes(w, out.Memo); err != nil {
			return err
		}
	}

	var havePrice uint8
	if rec.HavePrice {
		havePrice = 1
	}
	if _, err := w.Write([]byte{havePrice}); err != nil {
		return err
	}
	if rec.HavePrice {
		bits := math.Float64bits(rec.Price)
		if err := binary.Write(w, binary.LittleEndian, bits); err != nil {
			return err
		}
	}
	return nil
}

// ReadTxRecord deserializes a record written by a wallet file of the passed
// version.  Versions before priceVersion carry no price field.
func ReadTxRecord(r io.Reader, version uint32) (*TxRecord, error) {
	rec := &TxRecord{}
	fail := func(what string, err error) (*TxRecord, error) {
		return nil, storeError(ErrSerialization,
			"failed to read "+what, err)
	}

	var txid chainhash.Hash
	if _, err := io.ReadFull(r, txid[:]); err != nil {
		return fail("transaction id", err)
	}
	rec.TxID = txid

	var pending [1]byte
	if _, err := io.ReadFull(r, pending[:]); err != nil {
		return fail("pending flag", err)
	}
	rec.Pending = pending[0] != 0
	if err := binary.Read(r, binary.LittleEndian, &rec.Height); err != nil {
		return fail("height", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Timestamp); err != nil {
		return fail("timestamp", err)
	}

	var err error
	if rec.SaplingNotes, err = readShieldedNotes(r, version); err != nil {
		return fail("sapling notes", err)
	}
	if rec.OrchardNotes, err = readShieldedNotes(r, version); err != nil {
		return fail("orchard notes", err)
	}

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return fail("transparent output count", err)
	}
	if count > 0 {
		rec.TransparentOutputs = make([]TransparentOutput, 0, prealloc(count))
	}
	for n := uint64(0); n < count; n++ {
		var out TransparentOutput
		if err := binary.Read(r, binary.LittleEndian, &out.OutputIndex); err != nil {
			return fail("output index", err)
		}
		if out.Script, err = wire.ReadVarBytes(r, pver, maxScriptLen,
			"script"); err != nil {

			return fail("script", err)
		}
		if out.Address, err = wire.ReadVarString(r, pver); err != nil {
			return fail("address", err)
		}
		var value uint64
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return fail("output value", err)
		}
		out.Value = Amount(value)
		if err := readStatus(r, &out.Status); err != nil {
			return fail("output status", err)
		}
		rec.TransparentOutputs = append(rec.TransparentOutputs, out)
	}

	if rec.SpentSaplingNullifiers, err = readNullifiers(r); err != nil {
		return fail("spent sapling nullifiers", err)
	}
	if rec.SpentOrchardNullifiers, err = readNullifiers(r); err != nil {
		return fail("spent orchard nullifiers", err)
	}
	var spent uint64
	if err := binary.Read(r, binary.LittleEndian, &spent); err != nil {
		return fail("transparent value spent", err)
	}
	rec.TotalTransparentValueSpent = Amount(spent)

	count, err = wire.ReadVarInt(r, pver)
	if err != nil {
		return fail("outgoing count", err)
	}
	if count > 0 {
		rec.Outgoing = make([]OutgoingTxData, 0, prealloc(count))
	}
	for n := uint64(0); n < count; n++ {
		var out OutgoingTxData
		if out.Recipient, err = wire.ReadVarString(r, pver); err != nil {
			return fail("recipient", err)
		}
		var value uint64
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return fail("outgoing value", err)
		}
		out.Value = Amount(value)
		if out.Memo, err = readOptBytes(r, maxMemoLen, "memo"); err != nil {
			return fail("outgoing memo", err)
		}
		rec.Outgoing = append(rec.Outgoing, out)
	}

	if version < priceVersion {
		return rec, nil
	}
	var havePrice [1]byte
	if _, err := io.ReadFull(r, havePrice[:]); err != nil {
		return fail("price flag", err)
	}
	if havePrice[0] != 0 {
		var bits uint64
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return fail("price", err)
		}
		rec.Price = math.Float64frombits(bits)
		rec.HavePrice = true
	}
	return rec, nil
}
