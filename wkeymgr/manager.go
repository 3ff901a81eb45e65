// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wkeymgr owns the wallet's per-pool key material: HD-derived and
// imported spending and viewing keys for the shielded pools, transparent
// signing keys, and the encryption/lock state machine protecting the secret
// material.
//
// The store is in one of three states.  A plaintext store keeps all secrets
// in memory.  Encrypting a store derives a master key from a passphrase and
// keeps every secret both encrypted and, until locked, in plaintext.
// Locking zeroes the plaintext copies; unlocking with the passphrase
// restores them.  Wrong passphrases leave the state unchanged.
package wkeymgr

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/internal/zero"
	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/snacl"
)

var (
	// scryptN, scryptR, and scryptP are the parameters used for scrypt
	// password-based master key derivation.
	scryptN = snacl.DefaultN
	scryptR = snacl.DefaultR
	scryptP = snacl.DefaultP
)

// defaultNewSecretKey returns a new secret key.  See newSecretKey.
func defaultNewSecretKey(passphrase *[]byte) (*snacl.SecretKey, error) {
	return snacl.NewSecretKey(passphrase, scryptN, scryptR, scryptP)
}

// newSecretKey is used as a way to replace the new secret key generation
// function so tests can provide a cheap version.
var newSecretKey = defaultNewSecretKey

// Store is a concurrency safe key store for all pools.
type Store struct {
	mtx sync.RWMutex

	params *netparams.Params
	codec  codec.Codec

	// seed is the HD root.  haveSeed is false for view-only stores built
	// purely from imported viewing keys.
	seed     [32]byte
	haveSeed bool
	encSeed  []byte

	saplingKeys     []*ShieldedKey
	orchardKeys     []*ShieldedKey
	transparentKeys []*TransparentKey

	nextShieldedIndex map[netparams.Pool]uint32
	nextTranspIndex   uint32

	encrypted bool
	locked    bool

	// masterKeyParams are the marshalled scrypt parameters needed to
	// rederive the master key from a passphrase.
	masterKeyParams []byte
}

// NewStore creates a plaintext store from a seed, deriving the initial HD
// key for each pool.
func NewStore(params *netparams.Params, c codec.Codec, seed [32]byte) (*Store, error) {
	s := newEmptyStore(params, c)
	s.seed = seed
	s.haveSeed = true

	for _, pool := range netparams.ShieldedPools {
		if _, err := s.deriveNextShieldedKey(pool); err != nil {
			return nil, err
		}
	}
	if _, err := s.deriveNextTransparentKey(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewViewOnlyStore creates a store with no seed.  Keys enter only through
// viewing key imports and the store never gains spend authority for the
// shielded pools.
func NewViewOnlyStore(params *netparams.Params, c codec.Codec) *Store {
	return newEmptyStore(params, c)
}

func newEmptyStore(params *netparams.Params, c codec.Codec) *Store {
	return &Store{
		params:            params,
		codec:             c,
		nextShieldedIndex: make(map[netparams.Pool]uint32),
	}
}

// poolKeys returns the key slice backing one shielded pool.
//
// This function MUST be called with the store lock held.
func (s *Store) poolKeys(pool netparams.Pool) *[]*ShieldedKey {
	if pool == netparams.PoolOrchard {
		return &s.orchardKeys
	}
	return &s.saplingKeys
}

// DeriveNextKey derives the next HD key for the passed shielded pool and
// returns its receiving address.  Derivation is refused while the store is
// encrypted since the new secret would not be covered by the encrypted
// blobs.
func (s *Store) DeriveNextKey(pool netparams.Pool) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.encrypted {
		return "", keyStoreError(ErrEncrypted,
			"cannot derive new keys while the wallet is encrypted", nil)
	}
	if pool == netparams.PoolTransparent {
		return s.deriveNextTransparentKey()
	}
	return s.deriveNextShieldedKey(pool)
}

// This function MUST be called with the store lock held for writes.
func (s *Store) deriveNextShieldedKey(pool netparams.Pool) (string, error) {
	if !s.haveSeed {
		return "", keyStoreError(ErrNoSeed,
			"store has no seed to derive from", nil)
	}

	index := s.nextShieldedIndex[pool]
	sk := deriveShieldedSpendKey(s.seed, pool, index)
	key, err := newShieldedKey(pool, KeyHD, index, sk, s.codec)
	if err != nil {
		return "", err
	}

	keys := s.poolKeys(pool)
	*keys = append(*keys, key)
	s.nextShieldedIndex[pool] = index + 1

	log.Debugf("Derived %s HD key %d", pool, index)
	return key.address, nil
}

// This function MUST be called with the store lock held for writes.
func (s *Store) deriveNextTransparentKey() (string, error) {
	if !s.haveSeed {
		return "", keyStoreError(ErrNoSeed,
			"store has no seed to derive from", nil)
	}

	index := s.nextTranspIndex
	kb := deriveTransparentKeyBytes(s.seed, index)
	key, err := newTransparentKey(kb, index, false, s.codec)
	if err != nil {
		return "", err
	}

	s.transparentKeys = append(s.transparentKeys, key)
	s.nextTranspIndex = index + 1
	return key.address, nil
}

// ImportShieldedSpendKey imports an externally supplied spending key for a
// shielded pool and returns its receiving address.  If a matching view-only
// key already exists it is upgraded in place.  Importing a key that already
// has spend authority fails with ErrDuplicateKey, and any import fails with
// ErrEncrypted while the store is encrypted.
func (s *Store) ImportShieldedSpendKey(pool netparams.Pool, sk [32]byte) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.encrypted {
		return "", keyStoreError(ErrEncrypted,
			"cannot import keys while the wallet is encrypted", nil)
	}

	keys := s.poolKeys(pool)
	for _, k := range *keys {
		if k.matchesSpendKey(sk) {
			return "", keyStoreError(ErrDuplicateKey,
				"key already exists", nil)
		}
	}

	// Upgrade an existing view key to a spend key in place when the
	// derived full viewing key matches.
	fvk := fullViewingKeyFor(pool, sk)
	for _, k := range *keys {
		if existing, ok := k.FullViewingKey(); ok && existing == fvk {
			k.variant = KeyImportedSpend
			k.spendKey = sk
			log.Infof("Upgraded %s view key to spend key", pool)
			return k.address, nil
		}
	}

	key, err := newShieldedKey(pool, KeyImportedSpend, 0, sk, s.codec)
	if err != nil {
		return "", err
	}
	*keys = append(*keys, key)
	return key.address, nil
}

// ImportShieldedViewKey imports a viewing key of the passed variant (full,
// incoming, or outgoing view) and returns the receiving address.
func (s *Store) ImportShieldedViewKey(pool netparams.Pool, variant KeyVariant,
	vk [32]byte) (string, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.encrypted {
		return "", keyStoreError(ErrEncrypted,
			"cannot import keys while the wallet is encrypted", nil)
	}
	if variant.hasSpend() {
		return "", keyStoreError(ErrSerialization,
			fmt.Sprintf("%v is not a view key variant", variant), nil)
	}

	candidate := &ShieldedKey{pool: pool, variant: variant}
	switch variant {
	case KeyImportedFullView:
		candidate.fvk = vk
		candidate.ivk, candidate.ovk = viewingKeysFor(pool, vk)
	case KeyImportedIncomingView:
		candidate.ivk = vk
	case KeyImportedOutgoingView:
		candidate.ovk = vk
	}

	keys := s.poolKeys(pool)
	for _, k := range *keys {
		if k.Equal(candidate) {
			return "", keyStoreError(ErrDuplicateKey,
				"key already exists", nil)
		}
		if fvk, ok := k.FullViewingKey(); ok &&
			variant == KeyImportedFullView && fvk == vk {

			return "", keyStoreError(ErrDuplicateKey,
				"key already exists", nil)
		}
	}

	receiver := receiverBytes(pool, candidate.ivk)
	var addr string
	var err error
	if pool == netparams.PoolOrchard {
		addr, err = s.codec.EncodeUnified(receiver, nil)
	} else {
		addr, err = s.codec.EncodeSapling(receiver)
	}
	if err != nil {
		return "", err
	}
	candidate.address = addr

	*keys = append(*keys, candidate)
	return addr, nil
}

// ImportTransparentKey imports raw transparent private key material and
// returns the derived address.
func (s *Store) ImportTransparentKey(kb [32]byte) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.encrypted {
		return "", keyStoreError(ErrEncrypted,
			"cannot import keys while the wallet is encrypted", nil)
	}

	key, err := newTransparentKey(kb, 0, true, s.codec)
	if err != nil {
		return "", err
	}
	for _, k := range s.transparentKeys {
		if k.address == key.address {
			return "", keyStoreError(ErrDuplicateKey,
				"key already exists", nil)
		}
	}

	s.transparentKeys = append(s.transparentKeys, key)
	return key.address, nil
}

// Encrypt converts a plaintext store into an encrypted, unlocked store.
// Every secret is encrypted under a master key derived from the passphrase.
// The store must be locked before the wallet may be persisted.
func (s *Store) Encrypt(passphrase []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.encrypted {
		return keyStoreError(ErrAlreadyEncrypted,
			"wallet is already encrypted", nil)
	}

	master, err := newSecretKey(&passphrase)
	if err != nil {
		return keyStoreError(ErrCrypto, "failed to derive master key", err)
	}
	defer master.Zero()

	if s.haveSeed {
		if s.encSeed, err = master.Encrypt(s.seed[:]); err != nil {
			return keyStoreError(ErrCrypto, "failed to encrypt seed", err)
		}
	}
	for _, k := range append(s.saplingKeys[:len(s.saplingKeys):len(s.saplingKeys)],
		s.orchardKeys...) {

		if !k.HasSpendKey() {
			continue
		}
		if k.encSpendKey, err = master.Encrypt(k.spendKey[:]); err != nil {
			return keyStoreError(ErrCrypto,
				"failed to encrypt spending key", err)
		}
	}
	for _, k := range s.transparentKeys {
		kb := k.privKey.Serialize()
		k.encPrivKey, err = master.Encrypt(kb)
		zero.Bytes(kb)
		if err != nil {
			return keyStoreError(ErrCrypto,
				"failed to encrypt transparent key", err)
		}
	}

	s.masterKeyParams = master.Marshal()
	s.encrypted = true
	s.locked = false

	log.Info("Wallet keys encrypted")
	return nil
}

// Lock zeroes all plaintext secrets of an encrypted store.
func (s *Store) Lock() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.encrypted {
		return keyStoreError(ErrNotEncrypted, "wallet is not encrypted", nil)
	}

	s.zeroSecrets()
	s.locked = true
	return nil
}

// This function MUST be called with the store lock held for writes.
func (s *Store) zeroSecrets() {
	zero.Bytea32(&s.seed)
	for _, k := range s.saplingKeys {
		k.zeroSecrets()
	}
	for _, k := range s.orchardKeys {
		k.zeroSecrets()
	}
	for _, k := range s.transparentKeys {
		k.zeroSecrets()
	}
}

// Unlock restores plaintext secrets from the encrypted blobs.  A wrong
// passphrase fails with ErrWrongPassphrase and leaves the state unchanged.
func (s *Store) Unlock(passphrase []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.encrypted {
		return keyStoreError(ErrNotEncrypted, "wallet is not encrypted", nil)
	}

	master, err := s.deriveMasterKey(passphrase)
	if err != nil {
		return err
	}
	defer master.Zero()

	if err := s.decryptSecrets(master); err != nil {
		return err
	}
	s.locked = false
	return nil
}

// This function MUST be called with the store lock held.
func (s *Store) deriveMasterKey(passphrase []byte) (*snacl.SecretKey, error) {
	var master snacl.SecretKey
	if err := master.Unmarshal(s.masterKeyParams); err != nil {
		return nil, keyStoreError(ErrCrypto,
			"malformed master key parameters", err)
	}
	if err := master.DeriveKey(&passphrase); err != nil {
		if err == snacl.ErrInvalidPassword {
			return nil, keyStoreError(ErrWrongPassphrase,
				"wrong passphrase", err)
		}
		return nil, keyStoreError(ErrCrypto,
			"failed to derive master key", err)
	}
	return &master, nil
}

// This function MUST be called with the store lock held for writes.
func (s *Store) decryptSecrets(master *snacl.SecretKey) error {
	decrypt32 := func(blob []byte, out *[32]byte) error {
		plain, err := master.Decrypt(blob)
		if err != nil {
			return keyStoreError(ErrCrypto, "failed to decrypt key", err)
		}
		copy(out[:], plain)
		zero.Bytes(plain)
		return nil
	}

	if s.haveSeed {
		if err := decrypt32(s.encSeed, &s.seed); err != nil {
			return err
		}
	}
	for _, pool := range []*[]*ShieldedKey{&s.saplingKeys, &s.orchardKeys} {
		for _, k := range *pool {
			if !k.HasSpendKey() {
				continue
			}
			if err := decrypt32(k.encSpendKey, &k.spendKey); err != nil {
				return err
			}
		}
	}
	for _, k := range s.transparentKeys {
		var kb [32]byte
		if err := decrypt32(k.encPrivKey, &kb); err != nil {
			return err
		}
		k.privKey, _ = btcec.PrivKeyFromBytes(kb[:])
		zero.Bytea32(&kb)
	}
	return nil
}

// RemoveEncryption verifies the passphrase, restores plaintext secrets, and
// returns the store to the plaintext state.
func (s *Store) RemoveEncryption(passphrase []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.encrypted {
		return keyStoreError(ErrNotEncrypted, "wallet is not encrypted", nil)
	}

	master, err := s.deriveMasterKey(passphrase)
	if err != nil {
		return err
	}
	defer master.Zero()

	if err := s.decryptSecrets(master); err != nil {
		return err
	}

	s.encSeed = nil
	for _, pool := range []*[]*ShieldedKey{&s.saplingKeys, &s.orchardKeys} {
		for _, k := range *pool {
			k.encSpendKey = nil
		}
	}
	for _, k := range s.transparentKeys {
		k.encPrivKey = nil
	}
	s.masterKeyParams = nil
	s.encrypted = false
	s.locked = false

	log.Info("Wallet encryption removed")
	return nil
}

// IsEncrypted reports whether the store is encrypted.
func (s *Store) IsEncrypted() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.encrypted
}

// IsLocked reports whether the store is encrypted and currently locked.
func (s *Store) IsLocked() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.encrypted && s.locked
}

// UnlockedForSpending reports whether plaintext spending material is
// currently available.
func (s *Store) UnlockedForSpending() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return !s.encrypted || !s.locked
}

// HasSpendAuthority reports whether any key in the store can spend.
// Witness trees are only maintained for wallets with spend authority.
func (s *Store) HasSpendAuthority() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.haveSeed || len(s.transparentKeys) > 0 {
		return true
	}
	for _, pool := range [][]*ShieldedKey{s.saplingKeys, s.orchardKeys} {
		for _, k := range pool {
			if k.HasSpendKey() {
				return true
			}
		}
	}
	return false
}

// ShieldedKeys returns a copy of the key list for the passed pool.
func (s *Store) ShieldedKeys(pool netparams.Pool) []*ShieldedKey {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	keys := *s.poolKeys(pool)
	out := make([]*ShieldedKey, len(keys))
	copy(out, keys)
	return out
}

// SpendableKeys returns all keys of the pool with spend authority.
func (s *Store) SpendableKeys(pool netparams.Pool) []*ShieldedKey {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []*ShieldedKey
	for _, k := range *s.poolKeys(pool) {
		if k.HasSpendKey() {
			out = append(out, k)
		}
	}
	return out
}

// HaveSpendKeyFor reports whether the store holds spend authority for the
// key identified by the passed full viewing key.
func (s *Store) HaveSpendKeyFor(pool netparams.Pool, fvk [32]byte) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for _, k := range *s.poolKeys(pool) {
		if existing, ok := k.FullViewingKey(); ok && existing == fvk {
			return k.HasSpendKey()
		}
	}
	return false
}

// SpendKeyFor returns the raw spending key for the key identified by the
// passed full viewing key.
func (s *Store) SpendKeyFor(pool netparams.Pool, fvk [32]byte) ([32]byte, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for _, k := range *s.poolKeys(pool) {
		if existing, ok := k.FullViewingKey(); ok && existing == fvk {
			if k.HasSpendKey() {
				return k.spendKey, true
			}
			return [32]byte{}, false
		}
	}
	return [32]byte{}, false
}

// TransparentAddresses returns all transparent addresses in the store.
func (s *Store) TransparentAddresses() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]string, len(s.transparentKeys))
	for i, k := range s.transparentKeys {
		out[i] = k.address
	}
	return out
}

// TransparentSigningKey maps a transparent address to its signing key.  It
// fails with ErrNoSigningKey when the address does not belong to the wallet
// and with ErrLocked when the key material is unavailable.
func (s *Store) TransparentSigningKey(address string) (*btcec.PrivateKey, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for _, k := range s.transparentKeys {
		if k.address != address {
			continue
		}
		if k.privKey == nil {
			return nil, keyStoreError(ErrLocked,
				"signing key unavailable while wallet is locked", nil)
		}
		return k.privKey, nil
	}
	return nil, keyStoreError(ErrNoSigningKey,
		fmt.Sprintf("no signing key for address %s", address), nil)
}

// DefaultAddress returns the first address of a pool, used as the canonical
// change destination.
func (s *Store) DefaultAddress(pool netparams.Pool) (string, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if pool == netparams.PoolTransparent {
		if len(s.transparentKeys) == 0 {
			return "", false
		}
		return s.transparentKeys[0].address, true
	}
	keys := *s.poolKeys(pool)
	if len(keys) == 0 {
		return "", false
	}
	return keys[0].address, true
}

// KeyCount returns the number of keys held for the pool.
func (s *Store) KeyCount(pool netparams.Pool) int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if pool == netparams.PoolTransparent {
		return len(s.transparentKeys)
	}
	return len(*s.poolKeys(pool))
}
