// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the key store, the transaction store, and the
// commitment trees together into the wallet engine: balance calculation,
// note selection, transaction sending, chain ingestion, and persistence.
package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/wkeymgr"
	"github.com/dorianvp/zingolib/witness"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// maxRetainedBlocks bounds the block metadata kept for reorg detection.  It
// matches the witness retention window, past which reorgs cannot be
// unwound anyway.
const maxRetainedBlocks = witness.MaxSnapshots

// BlockMeta identifies one block the wallet has processed.
type BlockMeta struct {
	Height uint64
	Hash   [32]byte
	Time   uint64
}

// PriceInfo is the most recent coin price the wallet has seen.
type PriceInfo struct {
	Price     float64
	Timestamp uint64
	Have      bool
}

// Config supplies the collaborators of a wallet.
type Config struct {
	Params *netparams.Params

	// Codec encodes and decodes addresses.  Defaults to the standard
	// codec for Params.
	Codec codec.Codec

	// Clock is the time source used to timestamp locally built
	// transactions.  Defaults to the wall clock.
	Clock clock.Clock

	// Builder constructs and proves transactions.
	Builder TxBuilder

	// Broadcast submits a built transaction to the network.
	Broadcast BroadcastFunc

	// Birthday is the height the wallet was created at.  It is floored
	// at the sapling activation height.
	Birthday uint64
}

// Wallet is the wallet engine.  All methods are safe for concurrent use.
type Wallet struct {
	params    *netparams.Params
	codec     codec.Codec
	clk       clock.Clock
	builder   TxBuilder
	broadcast BroadcastFunc

	keys *wkeymgr.Store

	// txMtx guards the transaction records, the commitment trees, the
	// processed block list, the verified checkpoint, and the birthday.
	// It is the outermost lock: key store accessors and the price lock
	// are taken while it is held, never the reverse.
	txMtx    sync.RWMutex
	records  *wtxmgr.Store
	trees    *witness.Trees
	blocks   []BlockMeta
	verified *VerifiedCheckpoint
	birthday uint64

	optMtx  sync.RWMutex
	options Options

	priceMtx sync.RWMutex
	price    PriceInfo

	// progressMtx guards the send progress state, including the flag
	// that serializes sends.
	progressMtx sync.Mutex
	progress    SendProgress
}

// VerifiedCheckpoint records the most recent chain state whose commitment
// tree roots the wallet has verified against the server.
type VerifiedCheckpoint struct {
	Height      uint64
	SaplingRoot [32]byte
	OrchardRoot [32]byte
}

// New creates a wallet around an existing key store.  Wallets whose key
// store has spend authority maintain commitment trees; view-only wallets do
// not and can never produce spend witnesses.
func New(cfg *Config, keys *wkeymgr.Store) *Wallet {
	c := cfg.Codec
	if c == nil {
		c = codec.New(cfg.Params)
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
		birthday:  clampBirthday(cfg.Params, cfg.Birthday),
		options:   DefaultOptions(),
	}
	if keys.HasSpendAuthority() {
		w.trees = witness.NewTrees()
	}
	return w
}

// clampBirthday floors a birthday at the sapling activation height, below
// which no shielded wallet history can exist.
func clampBirthday(params *netparams.Params, birthday uint64) uint64 {
	if birthday < params.SaplingActivationHeight {
		return params.SaplingActivationHeight
	}
	return birthday
}

// Keys returns the wallet's key store.
func (w *Wallet) Keys() *wkeymgr.Store {
	return w.keys
}

// Params returns the wallet's network parameters.
func (w *Wallet) Params() *netparams.Params {
	return w.params
}

// Birthday returns the wallet birthday height.  No history before it needs
// to be scanned.
func (w *Wallet) Birthday() uint64 {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()
	return w.birthday
}

// lowerBirthday reduces the wallet birthday to cover an imported key that
// may have history older than the wallet.
func (w *Wallet) lowerBirthday(keyBirthday uint64) {
	w.txMtx.Lock()
	defer w.txMtx.Unlock()

	clamped := clampBirthday(w.params, keyBirthday)
	if clamped < w.birthday {
		log.Infof("Lowering wallet birthday from %d to %d for imported key",
			w.birthday, clamped)
		w.birthday = clamped
	}
}

// ImportShieldedSpendKey imports a spending key and lowers the wallet
// birthday to the key's birthday so its history gets scanned.
func (w *Wallet) ImportShieldedSpendKey(pool netparams.Pool, sk [32]byte,
	keyBirthday uint64) (string, error) {

	addr, err := w.keys.ImportShieldedSpendKey(pool, sk)
	if err != nil {
		return "", err
	}
	w.ensureTrees()
	w.lowerBirthday(keyBirthday)
	return addr, nil
}

// ImportShieldedViewKey imports a viewing key and lowers the wallet
// birthday to the key's birthday.
func (w *Wallet) ImportShieldedViewKey(pool netparams.Pool,
	variant wkeymgr.KeyVariant, vk [32]byte, keyBirthday uint64) (string, error) {

	addr, err := w.keys.ImportShieldedViewKey(pool, variant, vk)
	if err != nil {
		return "", err
	}
	w.lowerBirthday(keyBirthday)
	return addr, nil
}

// ImportTransparentKey imports a transparent key and lowers the wallet
// birthday to the key's birthday.
func (w *Wallet) ImportTransparentKey(kb [32]byte, keyBirthday uint64) (string, error) {
	addr, err := w.keys.ImportTransparentKey(kb)
	if err != nil {
		return "", err
	}
	w.ensureTrees()
	w.lowerBirthday(keyBirthday)
	return addr, nil
}

// ensureTrees starts maintaining commitment trees once the wallet gains
// spend authority.
func (w *Wallet) ensureTrees() {
	w.txMtx.Lock()
	defer w.txMtx.Unlock()

	if w.trees == nil && w.keys.HasSpendAuthority() {
		w.trees = witness.NewTrees()
	}
}

// SyncedHeight returns the height of the newest block the wallet has
// processed.  ok is false before any block has been ingested.
func (w *Wallet) SyncedHeight() (uint64, bool) {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()

	if len(w.blocks) == 0 {
		return 0, false
	}
	return w.blocks[0].Height, true
}

// Verified returns the verified checkpoint, if any.
func (w *Wallet) Verified() (VerifiedCheckpoint, bool) {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()

	if w.verified == nil {
		return VerifiedCheckpoint{}, false
	}
	return *w.verified, true
}

// MarkVerified records that the wallet's commitment tree roots at the
// passed height matched the chain.
func (w *Wallet) MarkVerified(height uint64) error {
	w.txMtx.Lock()
	defer w.txMtx.Unlock()

	if w.trees == nil {
		return walletError(ErrNoSpendCapability,
			"view-only wallets maintain no trees to verify", nil)
	}

	saplingRoot, err := w.trees.Sapling.RootAt(height)
	if err != nil {
		return walletError(ErrReorgTooDeep,
			"no tree state retained for height", err)
	}
	orchardRoot, err := w.trees.Orchard.RootAt(height)
	if err != nil {
		return walletError(ErrReorgTooDeep,
			"no tree state retained for height", err)
	}

	w.verified = &VerifiedCheckpoint{
		Height:      height,
		SaplingRoot: saplingRoot,
		OrchardRoot: orchardRoot,
	}
	return nil
}

// Options returns the current wallet options.
func (w *Wallet) Options() Options {
	w.optMtx.RLock()
	defer w.optMtx.RUnlock()
	return w.options
}

// SetOptions replaces the wallet options.
func (w *Wallet) SetOptions(opts Options) {
	w.optMtx.Lock()
	defer w.optMtx.Unlock()
	w.options = opts
}

// Price returns the most recent recorded coin price.
func (w *Wallet) Price() PriceInfo {
	w.priceMtx.RLock()
	defer w.priceMtx.RUnlock()
	return w.price
}

// SetPrice records the current coin price.  New incoming transaction
// records are stamped with it.
func (w *Wallet) SetPrice(price float64, timestamp uint64) {
	w.priceMtx.Lock()
	defer w.priceMtx.Unlock()
	w.price = PriceInfo{Price: price, Timestamp: timestamp, Have: true}
}

// Records returns all transaction records in insertion order.
func (w *Wallet) Records() []*wtxmgr.TxRecord {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()
	return w.records.Records()
}

// Fee derives the fee paid by a wallet transaction.
func (w *Wallet) Fee(txid chainhash.Hash) (wtxmgr.Amount, error) {
	w.txMtx.RLock()
	defer w.txMtx.RUnlock()
	return w.records.Fee(txid)
}
