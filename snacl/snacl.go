// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package snacl provides passphrase-derived secret keys and authenticated
// encryption on top of scrypt and NaCl secretbox.  It is used by the key
// store to protect seed and spending key material at rest.
package snacl

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"runtime/debug"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/dorianvp/zingolib/internal/zero"
)

var (
	prng = rand.Reader

	// ErrInvalidPassword is returned when a passphrase fails to reproduce
	// the stored key digest.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrMalformed is returned when a marshalled key or ciphertext is too
	// short to be valid.
	ErrMalformed = errors.New("malformed data")

	// ErrDecryptFailed is returned when secretbox authentication fails.
	ErrDecryptFailed = errors.New("unable to decrypt")
)

// Scrypt parameters and sizes.
const (
	// DefaultN, DefaultR, and DefaultP are the default scrypt parameters
	// used when deriving a SecretKey from a passphrase.
	DefaultN = 16384 // 2^14
	DefaultR = 8
	DefaultP = 1

	KeySize    = 32
	NonceSize  = 24
	DigestSize = 32
)

// CryptoKey represents a secret key which can be used to encrypt and decrypt
// data.
type CryptoKey [KeySize]byte

// Encrypt encrypts the passed data with a random nonce.  The nonce is
// prepended to the returned ciphertext.
func (ck *CryptoKey) Encrypt(in []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	_, err := io.ReadFull(prng, nonce[:])
	if err != nil {
		return nil, err
	}
	blob := secretbox.Seal(nil, in, &nonce, (*[KeySize]byte)(ck))
	return append(nonce[:], blob...), nil
}

// Decrypt decrypts the passed data.  The must be the output of a previous
// call to Encrypt with the same key.
func (ck *CryptoKey) Decrypt(in []byte) ([]byte, error) {
	if len(in) < NonceSize {
		return nil, ErrMalformed
	}

	var nonce [NonceSize]byte
	copy(nonce[:], in[:NonceSize])
	opened, ok := secretbox.Open(nil, in[NonceSize:], &nonce,
		(*[KeySize]byte)(ck))
	if !ok {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}

// Zero clears the key from memory.  The key is unusable afterwards.
func (ck *CryptoKey) Zero() {
	zero.Bytea32((*[KeySize]byte)(ck))
}

// GenerateCryptoKey generates a new crypto key from the system's secure
// random source.
func GenerateCryptoKey() (*CryptoKey, error) {
	var key CryptoKey
	_, err := io.ReadFull(prng, key[:])
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// Parameters are not secret and may be stored in plain text alongside the
// data encrypted with the derived key.
type Parameters struct {
	Salt   [KeySize]byte
	Digest [DigestSize]byte
	N      int
	R      int
	P      int
}

// SecretKey houses a crypto key derived from a passphrase along with the
// parameters needed to rederive it.
type SecretKey struct {
	Key        *CryptoKey
	Parameters Parameters
}

// deriveKey fills out the Key field from the passphrase and stored
// parameters.
func (sk *SecretKey) deriveKey(password *[]byte) error {
	key, err := scrypt.Key(*password, sk.Parameters.Salt[:],
		sk.Parameters.N, sk.Parameters.R, sk.Parameters.P, KeySize)
	if err != nil {
		return err
	}
	copy(sk.Key[:], key)
	zero.Bytes(key)

	// Attempt to reclaim the scrypt-allocated memory promptly since it
	// can be large.
	debug.FreeOSMemory()

	return nil
}

// Marshal returns the network parameters needed to rederive the key from a
// passphrase.
func (sk *SecretKey) Marshal() []byte {
	params := &sk.Parameters

	// The marshalled format is:
	//   <salt><digest><N><R><P>
	marshalled := make([]byte, 0, KeySize+DigestSize+24)
	marshalled = append(marshalled, params.Salt[:]...)
	marshalled = append(marshalled, params.Digest[:]...)
	marshalled = binary.LittleEndian.AppendUint64(marshalled, uint64(params.N))
	marshalled = binary.LittleEndian.AppendUint64(marshalled, uint64(params.R))
	marshalled = binary.LittleEndian.AppendUint64(marshalled, uint64(params.P))
	return marshalled
}

// Unmarshal unmarshals the parameters needed to rederive the secret key from
// a passphrase.
func (sk *SecretKey) Unmarshal(marshalled []byte) error {
	if sk.Key == nil {
		sk.Key = (*CryptoKey)(&[KeySize]byte{})
	}
	if len(marshalled) != KeySize+DigestSize+24 {
		return ErrMalformed
	}

	params := &sk.Parameters
	copy(params.Salt[:], marshalled[:KeySize])
	marshalled = marshalled[KeySize:]
	copy(params.Digest[:], marshalled[:DigestSize])
	marshalled = marshalled[DigestSize:]
	params.N = int(binary.LittleEndian.Uint64(marshalled))
	marshalled = marshalled[8:]
	params.R = int(binary.LittleEndian.Uint64(marshalled))
	marshalled = marshalled[8:]
	params.P = int(binary.LittleEndian.Uint64(marshalled))

	return nil
}

// Zero clears the underlying crypto key from memory.
func (sk *SecretKey) Zero() {
	sk.Key.Zero()
}

// DeriveKey rederives the secret key from the passed passphrase and verifies
// it against the stored digest.  ErrInvalidPassword is returned when the
// passphrase does not match.
func (sk *SecretKey) DeriveKey(password *[]byte) error {
	if err := sk.deriveKey(password); err != nil {
		return err
	}

	// Verify the derived key against the stored digest using a constant
	// time comparison.
	digest := blake2b.Sum256(sk.Key[:])
	if subtle.ConstantTimeCompare(digest[:], sk.Parameters.Digest[:]) != 1 {
		sk.Zero()
		return ErrInvalidPassword
	}

	return nil
}

// Encrypt encrypts in using the underlying crypto key.
func (sk *SecretKey) Encrypt(in []byte) ([]byte, error) {
	return sk.Key.Encrypt(in)
}

// Decrypt decrypts in using the underlying crypto key.
func (sk *SecretKey) Decrypt(in []byte) ([]byte, error) {
	return sk.Key.Decrypt(in)
}

// NewSecretKey returns a SecretKey derived from the passphrase using the
// passed scrypt parameters.
func NewSecretKey(password *[]byte, n, r, p int) (*SecretKey, error) {
	sk := SecretKey{
		Key: (*CryptoKey)(&[KeySize]byte{}),
	}
	sk.Parameters.N = n
	sk.Parameters.R = r
	sk.Parameters.P = p
	_, err := io.ReadFull(prng, sk.Parameters.Salt[:])
	if err != nil {
		return nil, err
	}

	if err := sk.deriveKey(password); err != nil {
		return nil, err
	}
	sk.Parameters.Digest = blake2b.Sum256(sk.Key[:])

	return &sk, nil
}
