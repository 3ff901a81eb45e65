// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/crypto/blake2b"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/internal/zero"
	"github.com/dorianvp/zingolib/netparams"
)

// KeyVariant describes how a wallet key entered the wallet and what
// capability it carries.
type KeyVariant uint8

const (
	// KeyHD is a key derived from the wallet seed at a fixed index.
	KeyHD KeyVariant = iota

	// KeyImportedSpend is an externally imported spending key.
	KeyImportedSpend

	// KeyImportedFullView is an imported full viewing key.  It can
	// detect incoming and outgoing funds but not spend.
	KeyImportedFullView

	// KeyImportedIncomingView is an imported incoming viewing key.
	KeyImportedIncomingView

	// KeyImportedOutgoingView is an imported outgoing viewing key.
	KeyImportedOutgoingView
)

// String returns the variant name.
func (v KeyVariant) String() string {
	switch v {
	case KeyHD:
		return "hd"
	case KeyImportedSpend:
		return "imported-spend"
	case KeyImportedFullView:
		return "imported-full-view"
	case KeyImportedIncomingView:
		return "imported-incoming-view"
	case KeyImportedOutgoingView:
		return "imported-outgoing-view"
	}
	return "unknown"
}

// hasSpend reports whether the variant carries spend authority.
func (v KeyVariant) hasSpend() bool {
	return v == KeyHD || v == KeyImportedSpend
}

// ShieldedKey is a single sapling or orchard wallet key.  Depending on the
// variant it holds a spending key, a viewing key, or both.  The plaintext
// spending key is zeroed while the store is locked.
type ShieldedKey struct {
	pool    netparams.Pool
	variant KeyVariant
	hdIndex uint32

	// spendKey is only valid for spend-capable variants, and only while
	// the store is plaintext or unlocked.
	spendKey [32]byte

	// fvk is the full viewing key.  It is absent (zero) for
	// incoming/outgoing-only view variants.
	fvk [32]byte
	ivk [32]byte
	ovk [32]byte

	// address is the canonical receiving address derived from the key.
	address string

	// encSpendKey holds the encrypted spending key while the store is
	// encrypted.
	encSpendKey []byte
}

// Pool returns the shielded pool the key belongs to.
func (k *ShieldedKey) Pool() netparams.Pool { return k.pool }

// Variant returns the key variant.
func (k *ShieldedKey) Variant() KeyVariant { return k.variant }

// HDIndex returns the derivation index of an HD key.  It is only meaningful
// when Variant is KeyHD.
func (k *ShieldedKey) HDIndex() uint32 { return k.hdIndex }

// Address returns the canonical receiving address.
func (k *ShieldedKey) Address() string { return k.address }

// HasSpendKey reports whether the key carries spend authority.
func (k *ShieldedKey) HasSpendKey() bool { return k.variant.hasSpend() }

// FullViewingKey returns the full viewing key.  ok is false for
// incoming/outgoing-only view variants.
func (k *ShieldedKey) FullViewingKey() ([32]byte, bool) {
	switch k.variant {
	case KeyImportedIncomingView, KeyImportedOutgoingView:
		return [32]byte{}, false
	}
	return k.fvk, true
}

// OutgoingViewingKey returns the key used to encrypt outgoing memo data.
func (k *ShieldedKey) OutgoingViewingKey() [32]byte { return k.ovk }

// Equal reports whether two keys are the same key.  Secret-bearing variants
// are compared in constant time; view-only variants compare structurally.
func (k *ShieldedKey) Equal(other *ShieldedKey) bool {
	if k.pool != other.pool || k.variant != other.variant {
		return false
	}
	if k.variant.hasSpend() {
		return subtle.ConstantTimeCompare(k.spendKey[:], other.spendKey[:]) == 1
	}
	switch k.variant {
	case KeyImportedFullView:
		return k.fvk == other.fvk
	case KeyImportedIncomingView:
		return k.ivk == other.ivk
	case KeyImportedOutgoingView:
		return k.ovk == other.ovk
	}
	return false
}

// matchesSpendKey reports, in constant time, whether the key was derived
// from the passed spending key material.
func (k *ShieldedKey) matchesSpendKey(sk [32]byte) bool {
	if !k.variant.hasSpend() {
		return false
	}
	return subtle.ConstantTimeCompare(k.spendKey[:], sk[:]) == 1
}

// zeroSecrets clears plaintext spending key material.
func (k *ShieldedKey) zeroSecrets() {
	zero.Bytea32(&k.spendKey)
}

// TransparentKey holds a transparent-pool signing key and its derived
// address.  The plaintext private key is zeroed while the store is locked.
type TransparentKey struct {
	privKey    *btcec.PrivateKey
	hdIndex    uint32
	imported   bool
	address    string
	encPrivKey []byte
}

// Address returns the base58check encoded address of the key.
func (k *TransparentKey) Address() string { return k.address }

// SigningKey returns the plaintext private key, or nil while locked.
func (k *TransparentKey) SigningKey() *btcec.PrivateKey { return k.privKey }

func (k *TransparentKey) zeroSecrets() {
	if k.privKey != nil {
		k.privKey.Zero()
		k.privKey = nil
	}
}

// Domain separation tags for blake2b based key derivation.  All shielded
// key material in this wallet is 32 bytes derived from the seed.
var (
	tagSpend    = []byte("zingo-hd-spendkey")
	tagFvk      = []byte("zingo-fvk")
	tagIvk      = []byte("zingo-ivk")
	tagOvk      = []byte("zingo-ovk")
	tagReceiver = []byte("zingo-receiver")
	tagTransp   = []byte("zingo-hd-tkey")
)

// derive32 computes a 32-byte blake2b hash of the concatenated inputs keyed
// with the passed domain tag.
func derive32(tag []byte, inputs ...[]byte) [32]byte {
	h, err := blake2b.New256(tag)
	if err != nil {
		panic("wkeymgr: invalid blake2b key: " + err.Error())
	}
	for _, in := range inputs {
		h.Write(in)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// deriveShieldedSpendKey derives the spending key for a pool and HD index.
func deriveShieldedSpendKey(seed [32]byte, pool netparams.Pool, index uint32) [32]byte {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	return derive32(tagSpend, seed[:], []byte{byte(pool)}, idx[:])
}

// deriveTransparentKeyBytes derives transparent private key material for an
// HD index.
func deriveTransparentKeyBytes(seed [32]byte, index uint32) [32]byte {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	return derive32(tagTransp, seed[:], idx[:])
}

// fullViewingKeyFor derives the full viewing key from a spending key.
func fullViewingKeyFor(pool netparams.Pool, spendKey [32]byte) [32]byte {
	return derive32(tagFvk, []byte{byte(pool)}, spendKey[:])
}

// viewingKeysFor derives the incoming and outgoing viewing keys from a full
// viewing key.
func viewingKeysFor(pool netparams.Pool, fvk [32]byte) (ivk, ovk [32]byte) {
	ivk = derive32(tagIvk, []byte{byte(pool)}, fvk[:])
	ovk = derive32(tagOvk, []byte{byte(pool)}, fvk[:])
	return ivk, ovk
}

// receiverBytes derives the raw 43-byte receiver (11-byte diversifier plus
// 32-byte diversified key) encoded into shielded addresses.
func receiverBytes(pool netparams.Pool, ivk [32]byte) []byte {
	d := derive32(tagReceiver, []byte{byte(pool), 0}, ivk[:])
	pkd := derive32(tagReceiver, []byte{byte(pool), 1}, ivk[:])
	receiver := make([]byte, 0, 43)
	receiver = append(receiver, d[:11]...)
	receiver = append(receiver, pkd[:]...)
	return receiver
}

// newShieldedKey builds a ShieldedKey with spend authority from raw spending
// key material, deriving the view keys and canonical address.
func newShieldedKey(pool netparams.Pool, variant KeyVariant, hdIndex uint32,
	spendKey [32]byte, c codec.Codec) (*ShieldedKey, error) {

	fvk := fullViewingKeyFor(pool, spendKey)
	return newShieldedViewKey(pool, variant, hdIndex, spendKey, fvk, c)
}

// newShieldedViewKey builds a ShieldedKey from an explicit full viewing key.
// The spendKey is ignored for view-only variants.
func newShieldedViewKey(pool netparams.Pool, variant KeyVariant, hdIndex uint32,
	spendKey, fvk [32]byte, c codec.Codec) (*ShieldedKey, error) {

	ivk, ovk := viewingKeysFor(pool, fvk)
	receiver := receiverBytes(pool, ivk)

	var addr string
	var err error
	switch pool {
	case netparams.PoolSapling:
		addr, err = c.EncodeSapling(receiver)
	case netparams.PoolOrchard:
		addr, err = c.EncodeUnified(receiver, nil)
	default:
		return nil, keyStoreError(ErrSerialization,
			"shielded key pool must be sapling or orchard", nil)
	}
	if err != nil {
		return nil, err
	}

	k := &ShieldedKey{
		pool:    pool,
		variant: variant,
		hdIndex: hdIndex,
		fvk:     fvk,
		ivk:     ivk,
		ovk:     ovk,
		address: addr,
	}
	if variant.hasSpend() {
		k.spendKey = spendKey
	}
	return k, nil
}

// newTransparentKey builds a TransparentKey from raw private key material.
func newTransparentKey(keyBytes [32]byte, hdIndex uint32, imported bool,
	c codec.Codec) (*TransparentKey, error) {

	priv, pub := btcec.PrivKeyFromBytes(keyBytes[:])
	addr, err := c.EncodeTransparent(btcutil.Hash160(pub.SerializeCompressed()))
	if err != nil {
		return nil, err
	}
	return &TransparentKey{
		privKey:  priv,
		hdIndex:  hdIndex,
		imported: imported,
		address:  addr,
	}, nil
}
