// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/wire"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/netparams"
)

// storeVersion is the serialization version of the key store section.
const storeVersion uint32 = 1

// maxKeyBlobLen bounds variable length fields read from disk.
const maxKeyBlobLen = 1 << 16

// pver is the protocol version passed to the wire encoding helpers.  The
// store format does not vary by protocol version.
const pver uint32 = 0

// WriteTo serializes the store.  An encrypted store must be locked first so
// that the plaintext and encrypted copies cannot diverge; writing an
// encrypted, unlocked store fails with ErrEncrypted.
func (s *Store) WriteTo(w io.Writer) error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.encrypted && !s.locked {
		return keyStoreError(ErrEncrypted,
			"cannot serialize an encrypted store while unlocked", nil)
	}

	if err := binary.Write(w, binary.LittleEndian, storeVersion); err != nil {
		return err
	}

	var flags uint8
	if s.haveSeed {
		flags |= 1 << 0
	}
	if s.encrypted {
		flags |= 1 << 1
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}

	if s.encrypted {
		if err := wire.WriteVarBytes(w, pver, s.masterKeyParams); err != nil {
			return err
		}
		if s.haveSeed {
			if err := wire.WriteVarBytes(w, pver, s.encSeed); err != nil {
				return err
			}
		}
	} else if s.haveSeed {
		if _, err := w.Write(s.seed[:]); err != nil {
			return err
		}
	}

	for _, idx := range []uint32{
		s.nextShieldedIndex[netparams.PoolSapling],
		s.nextShieldedIndex[netparams.PoolOrchard],
		s.nextTranspIndex,
	} {
		if err := binary.Write(w, binary.LittleEndian, idx); err != nil {
			return err
		}
	}

	if err := s.writeShieldedKeys(w, s.saplingKeys); err != nil {
		return err
	}
	if err := s.writeShieldedKeys(w, s.orchardKeys); err != nil {
		return err
	}
	return s.writeTransparentKeys(w)
}

// This function MUST be called with the store lock held.
func (s *Store) writeShieldedKeys(w io.Writer, keys []*ShieldedKey) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := w.Write([]byte{byte(k.variant)}); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, k.hdIndex); err != nil {
			return err
		}
		for _, vk := range [][32]byte{k.fvk, k.ivk, k.ovk} {
			if _, err := w.Write(vk[:]); err != nil {
				return err
			}
		}
		if err := wire.WriteVarString(w, pver, k.address); err != nil {
			return err
		}
		if !k.variant.hasSpend() {
			continue
		}
		if s.encrypted {
			if err := wire.WriteVarBytes(w, pver, k.encSpendKey); err != nil {
				return err
			}
		} else if _, err := w.Write(k.spendKey[:]); err != nil {
			return err
		}
	}
	return nil
}

// This function MUST be called with the store lock held.
func (s *Store) writeTransparentKeys(w io.Writer) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(s.transparentKeys))); err != nil {
		return err
	}
	for _, k := range s.transparentKeys {
		if err := binary.Write(w, binary.LittleEndian, k.hdIndex); err != nil {
			return err
		}
		var imported uint8
		if k.imported {
			imported = 1
		}
		if _, err := w.Write([]byte{imported}); err != nil {
			return err
		}
		if err := wire.WriteVarString(w, pver, k.address); err != nil {
			return err
		}
		if s.encrypted {
			if err := wire.WriteVarBytes(w, pver, k.encPrivKey); err != nil {
				return err
			}
		} else {
			kb := k.privKey.Serialize()
			_, err := w.Write(kb)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadStore deserializes a store previously written with WriteTo.  An
// encrypted store deserializes in the locked state.
func ReadStore(r io.Reader, params *netparams.Params, c codec.Codec) (*Store, error) {
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, keyStoreError(ErrSerialization,
			"failed to read key store version", err)
	}
	if version > storeVersion {
		return nil, keyStoreError(ErrSerialization,
			"key store version is newer than this wallet understands", nil)
	}

	s := newEmptyStore(params, c)

	var flags [1]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return nil, keyStoreError(ErrSerialization,
			"failed to read key store flags", err)
	}
	s.haveSeed = flags[0]&(1<<0) != 0
	s.encrypted = flags[0]&(1<<1) != 0
	s.locked = s.encrypted

	var err error
	if s.encrypted {
		s.masterKeyParams, err = wire.ReadVarBytes(r, pver, maxKeyBlobLen,
			"master key params")
		if err != nil {
			return nil, keyStoreError(ErrSerialization,
				"failed to read master key params", err)
		}
		if s.haveSeed {
			s.encSeed, err = wire.ReadVarBytes(r, pver, maxKeyBlobLen,
				"encrypted seed")
			if err != nil {
				return nil, keyStoreError(ErrSerialization,
					"failed to read encrypted seed", err)
			}
		}
	} else if s.haveSeed {
		if _, err := io.ReadFull(r, s.seed[:]); err != nil {
			return nil, keyStoreError(ErrSerialization,
				"failed to read seed", err)
		}
	}

	var indexes [3]uint32
	for i := range indexes {
		if err := binary.Read(r, binary.LittleEndian, &indexes[i]); err != nil {
			return nil, keyStoreError(ErrSerialization,
				"failed to read derivation indexes", err)
		}
	}
	s.nextShieldedIndex[netparams.PoolSapling] = indexes[0]
	s.nextShieldedIndex[netparams.PoolOrchard] = indexes[1]
	s.nextTranspIndex = indexes[2]

	if s.saplingKeys, err = s.readShieldedKeys(r, netparams.PoolSapling); err != nil {
		return nil, err
	}
	if s.orchardKeys, err = s.readShieldedKeys(r, netparams.PoolOrchard); err != nil {
		return nil, err
	}
	if err := s.readTransparentKeys(r); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) readShieldedKeys(r io.Reader, pool netparams.Pool) ([]*ShieldedKey, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, keyStoreError(ErrSerialization,
			"failed to read key count", err)
	}

	keys := make([]*ShieldedKey, 0, count)
	for i := uint64(0); i < count; i++ {
		k := &ShieldedKey{pool: pool}

		var variant [1]byte
		if _, err := io.ReadFull(r, variant[:]); err != nil {
			return nil, keyStoreError(ErrSerialization,
				"failed to read key variant", err)
		}
		k.variant = KeyVariant(variant[0])

		if err := binary.Read(r, binary.LittleEndian, &k.hdIndex); err != nil {
			return nil, keyStoreError(ErrSerialization,
				"failed to read hd index", err)
		}
		for _, vk := range []*[32]byte{&k.fvk, &k.ivk, &k.ovk} {
			if _, err := io.ReadFull(r, vk[:]); err != nil {
				return nil, keyStoreError(ErrSerialization,
					"failed to read viewing key", err)
			}
		}
		if k.address, err = wire.ReadVarString(r, pver); err != nil {
			return nil, keyStoreError(ErrSerialization,
				"failed to read key address", err)
		}

		if k.variant.hasSpend() {
			if s.encrypted {
				k.encSpendKey, err = wire.ReadVarBytes(r, pver,
					maxKeyBlobLen, "encrypted spend key")
				if err != nil {
					return nil, keyStoreError(ErrSerialization,
						"failed to read encrypted spend key", err)
				}
			} else if _, err := io.ReadFull(r, k.spendKey[:]); err != nil {
				return nil, keyStoreError(ErrSerialization,
					"failed to read spend key", err)
			}
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) readTransparentKeys(r io.Reader) error {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return keyStoreError(ErrSerialization,
			"failed to read transparent key count", err)
	}

	for i := uint64(0); i < count; i++ {
		k := &TransparentKey{}
		if err := binary.Read(r, binary.LittleEndian, &k.hdIndex); err != nil {
			return keyStoreError(ErrSerialization,
				"failed to read hd index", err)
		}
		var imported [1]byte
		if _, err := io.ReadFull(r, imported[:]); err != nil {
			return keyStoreError(ErrSerialization,
				"failed to read imported flag", err)
		}
		k.imported = imported[0] != 0
		if k.address, err = wire.ReadVarString(r, pver); err != nil {
			return keyStoreError(ErrSerialization,
				"failed to read key address", err)
		}

		if s.encrypted {
			k.encPrivKey, err = wire.ReadVarBytes(r, pver, maxKeyBlobLen,
				"encrypted private key")
			if err != nil {
				return keyStoreError(ErrSerialization,
					"failed to read encrypted private key", err)
			}
		} else {
			var kb [32]byte
			if _, err := io.ReadFull(r, kb[:]); err != nil {
				return keyStoreError(ErrSerialization,
					"failed to read private key", err)
			}
			priv, err := newTransparentKey(kb, k.hdIndex, k.imported, s.codec)
			if err != nil {
				return err
			}
			k.privKey = priv.privKey
		}
		s.transparentKeys = append(s.transparentKeys, k)
	}
	return nil
}
