// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/wkeymgr"
	"github.com/dorianvp/zingolib/witness"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// walletFileVersion is the current wallet file version.  Readers accept
// every older version and migrate on load.
const walletFileVersion uint32 = 25

const (
	// spendableRecomputeVersion is the first version whose pending-spent
	// marks are trustworthy.  Older files recompute them on load by
	// reverting every pending-spent output.
	spendableRecomputeVersion uint32 = 9

	// priceInfoVersion is the first version carrying the wallet price
	// section.
	priceInfoVersion uint32 = 14

	// blockOrderVersion is the first version storing blocks newest
	// first.  Older files store them oldest first.
	blockOrderVersion uint32 = 15

	// verifiedVersion is the first version carrying the verified
	// checkpoint section.
	verifiedVersion uint32 = 22

	// optionsVersionMin is the first version carrying the options
	// section.  Older files get defaults.
	optionsVersionMin uint32 = 24

	// noteAddressVersion is the first version whose shielded notes carry
	// their receiving address.
	noteAddressVersion uint32 = 25
)

// pver is the protocol version passed to the wire encoding helpers.
const pver uint32 = 0

// WriteTo serializes the entire wallet in the current file format.  Field
// order is fixed: version, keys, block window, records, trees, chain tag,
// options, birthday, verified checkpoint, price.  An encrypted wallet must
// be locked first; writing while encrypted and unlocked fails with
// ErrEncryptedWrite.
func (w *Wallet) WriteTo(wr io.Writer) error {
	if w.keys.IsEncrypted() && !w.keys.IsLocked() {
		return walletError(ErrEncryptedWrite,
			"wallet must be locked before writing while encrypted", nil)
	}

	w.txMtx.RLock()
	defer w.txMtx.RUnlock()

	if err := binary.Write(wr, binary.LittleEndian, walletFileVersion); err != nil {
		return err
	}

	if err := w.keys.WriteTo(wr); err != nil {
		return err
	}

	if err := wire.WriteVarInt(wr, pver, uint64(len(w.blocks))); err != nil {
		return err
	}
	for _, block := range w.blocks {
		if err := writeBlockMeta(wr, &block); err != nil {
			return err
		}
	}

	records := w.records.Records()
	if err := wire.WriteVarInt(wr, pver, uint64(len(records))); err != nil {
		return err
	}
	for _, rec := range records {
		if err := wtxmgr.WriteTxRecord(wr, rec); err != nil {
			return err
		}
	}

	var haveTrees uint8
	if w.trees != nil {
		haveTrees = 1
	}
	if _, err := wr.Write([]byte{haveTrees}); err != nil {
		return err
	}
	if w.trees != nil {
		if err := w.trees.Sapling.WriteTo(wr); err != nil {
			return err
		}
		if err := w.trees.Orchard.WriteTo(wr); err != nil {
			return err
		}
	}

	if err := wire.WriteVarString(wr, pver, w.params.Name); err != nil {
		return err
	}

	if err := writeOptions(wr, w.Options()); err != nil {
		return err
	}

	if err := binary.Write(wr, binary.LittleEndian, w.birthday); err != nil {
		return err
	}

	var haveVerified uint8
	if w.verified != nil {
		haveVerified = 1
	}
	if _, err := wr.Write([]byte{haveVerified}); err != nil {
		return err
	}
	if w.verified != nil {
		if err := binary.Write(wr, binary.LittleEndian, w.verified.Height); err != nil {
			return err
		}
		if _, err := wr.Write(w.verified.SaplingRoot[:]); err != nil {
			return err
		}
		if _, err := wr.Write(w.verified.OrchardRoot[:]); err != nil {
			return err
		}
	}

	price := w.Price()
	var havePrice uint8
	if price.Have {
		havePrice = 1
	}
	if _, err := wr.Write([]byte{havePrice}); err != nil {
		return err
	}
	if price.Have {
		bits := math.Float64bits(price.Price)
		if err := binary.Write(wr, binary.LittleEndian, bits); err != nil {
			return err
		}
		if err := binary.Write(wr, binary.LittleEndian, price.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func writeBlockMeta(w io.Writer, block *BlockMeta) error {
	if err := binary.Write(w, binary.LittleEndian, block.Height); err != nil {
		return err
	}
	if _, err := w.Write(block.Hash[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, block.Time)
}

func readBlockMeta(r io.Reader, block *BlockMeta) error {
	if err := binary.Read(r, binary.LittleEndian, &block.Height); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, block.Hash[:]); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &block.Time)
}

// ReadWallet deserializes a wallet file, migrating older versions to the
// current in-memory form.  The file must have been written for the
// configured network.
func ReadWallet(r io.Reader, cfg *Config) (*Wallet, error) {
	fail := func(what string, err error) (*Wallet, error) {
		return nil, walletError(ErrSerialization,
			"failed to read "+what, err)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fail("wallet file version", err)
	}
	if version > walletFileVersion {
		return nil, walletError(ErrSerialization,
			"wallet file version is newer than this wallet understands",
			nil)
	}

	c := cfg.Codec
	if c == nil {
		c = codec.New(cfg.Params)
	}
	keys, err := wkeymgr.ReadStore(r, cfg.Params, c)
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	w := &Wallet{
		params:    cfg.Params,
		codec:     c,
		clk:       clk,
		builder:   cfg.Builder,
		broadcast: cfg.Broadcast,
		keys:      keys,
		records:   wtxmgr.NewStore(),
		options:   DefaultOptions(),
	}

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return fail("block count", err)
	}
	capHint := count
	if capHint > maxRetainedBlocks {
		capHint = maxRetainedBlocks
	}
	w.blocks = make([]BlockMeta, 0, capHint)
	for i := uint64(0); i < count; i++ {
		var block BlockMeta
		if err := readBlockMeta(r, &block); err != nil {
			return fail("block metadata", err)
		}
		w.blocks = append(w.blocks, block)
	}
	if version < blockOrderVersion {
		for i, j := 0, len(w.blocks)-1; i < j; i, j = i+1, j-1 {
			w.blocks[i], w.blocks[j] = w.blocks[j], w.blocks[i]
		}
	}

	count, err = wire.ReadVarInt(r, pver)
	if err != nil {
		return fail("record count", err)
	}
	for i := uint64(0); i < count; i++ {
		rec, err := wtxmgr.ReadTxRecord(r, version)
		if err != nil {
			return nil, err
		}
		w.records.InsertRecord(rec)
	}

	var haveTrees [1]byte
	if _, err := io.ReadFull(r, haveTrees[:]); err != nil {
		return fail("tree flag", err)
	}
	if haveTrees[0] != 0 {
		sapling, err := witness.ReadTree(r)
		if err != nil {
			return fail("sapling tree", err)
		}
		orchard, err := witness.ReadTree(r)
		if err != nil {
			return fail("orchard tree", err)
		}
		w.trees = &witness.Trees{Sapling: sapling, Orchard: orchard}
	}

	chainName, err := wire.ReadVarString(r, pver)
	if err != nil {
		return fail("chain name", err)
	}
	if chainName != cfg.Params.Name {
		return nil, walletError(ErrBadNetwork,
			"wallet file was written for chain "+chainName, nil)
	}

	if version >= optionsVersionMin {
		if w.options, err = readOptions(r); err != nil {
			return fail("options", err)
		}
	}

	var birthday uint64
	if err := binary.Read(r, binary.LittleEndian, &birthday); err != nil {
		return fail("birthday", err)
	}
	w.birthday = clampBirthday(cfg.Params, birthday)

	if version >= verifiedVersion {
		var haveVerified [1]byte
		if _, err := io.ReadFull(r, haveVerified[:]); err != nil {
			return fail("verified flag", err)
		}
		if haveVerified[0] != 0 {
			cp := &VerifiedCheckpoint{}
			if err := binary.Read(r, binary.LittleEndian, &cp.Height); err != nil {
				return fail("verified height", err)
			}
			if _, err := io.ReadFull(r, cp.SaplingRoot[:]); err != nil {
				return fail("verified sapling root", err)
			}
			if _, err := io.ReadFull(r, cp.OrchardRoot[:]); err != nil {
				return fail("verified orchard root", err)
			}
			w.verified = cp
		}
	}

	if version >= priceInfoVersion {
		var havePrice [1]byte
		if _, err := io.ReadFull(r, havePrice[:]); err != nil {
			return fail("price flag", err)
		}
		if havePrice[0] != 0 {
			var bits uint64
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return fail("price", err)
			}
			var ts uint64
			if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
				return fail("price timestamp", err)
			}
			w.price = PriceInfo{
				Price:     math.Float64frombits(bits),
				Timestamp: ts,
				Have:      true,
			}
		}
	}

	// Old files tracked pending-spent marks unreliably; recompute by
	// reverting them, the marks reappear when the spends confirm.
	if version < spendableRecomputeVersion {
		for _, id := range w.records.QueryIDs(wtxmgr.Query{
			PendingSpent: true,
			Transparent:  true, Sapling: true, Orchard: true,
		}) {
			if err := w.records.UnmarkSpent(id); err != nil {
				return nil, err
			}
		}
	}

	if version < walletFileVersion {
		log.Infof("Migrated wallet file from version %d to %d",
			version, walletFileVersion)
	}
	return w, nil
}
