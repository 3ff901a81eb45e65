// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package codec handles address encoding and decoding.  The wallet engine
// treats addresses as opaque encoded strings plus a decoded structured form
// used only for routing outputs and equality comparison; the actual
// encoding scheme is delegated to a Codec implementation.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/dorianvp/zingolib/netparams"
)

var (
	// ErrInvalidAddress is returned when an address cannot be decoded for
	// the active network.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNoReceiver is returned when a unified address carries no usable
	// receiver.
	ErrNoReceiver = errors.New("unified address has no orchard or sapling receiver")
)

// Kind identifies which pool an address pays into.
type Kind uint8

const (
	KindTransparent Kind = iota
	KindSapling
	KindUnified
)

// Address is the decoded structured form of an encoded address.
type Address struct {
	Kind    Kind
	Encoded string

	// PubKeyHash is set for transparent addresses.
	PubKeyHash []byte

	// SaplingReceiver and OrchardReceiver are the raw receiver bytes of
	// shielded addresses.  A unified address may carry either or both.
	SaplingReceiver []byte
	OrchardReceiver []byte
}

// Codec encodes and decodes addresses for one network.
type Codec interface {
	EncodeTransparent(pubKeyHash []byte) (string, error)
	EncodeSapling(receiver []byte) (string, error)
	EncodeUnified(orchardReceiver, saplingReceiver []byte) (string, error)
	Decode(addr string) (*Address, error)
}

// New returns the default Codec for the passed network: base58check for
// transparent addresses, bech32 for sapling, and bech32m for unified.
func New(params *netparams.Params) Codec {
	return &addressCodec{params: params}
}

type addressCodec struct {
	params *netparams.Params
}

func (c *addressCodec) EncodeTransparent(pubKeyHash []byte) (string, error) {
	if len(pubKeyHash) != 20 {
		return "", fmt.Errorf("%w: pubkey hash must be 20 bytes, got %d",
			ErrInvalidAddress, len(pubKeyHash))
	}
	return base58.CheckEncode(pubKeyHash, c.params.TransparentAddrID), nil
}

func (c *addressCodec) EncodeSapling(receiver []byte) (string, error) {
	conv, err := bech32.ConvertBits(receiver, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(c.params.SaplingHRP, conv)
}

func (c *addressCodec) EncodeUnified(orchardReceiver, saplingReceiver []byte) (string, error) {
	if len(orchardReceiver) == 0 && len(saplingReceiver) == 0 {
		return "", ErrNoReceiver
	}
	payload := marshalReceivers(orchardReceiver, saplingReceiver)
	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.EncodeM(c.params.UnifiedHRP, conv)
}

func (c *addressCodec) Decode(addr string) (*Address, error) {
	// Try base58check first; transparent addresses never collide with a
	// valid bech32 string.
	if payload, version, err := base58.CheckDecode(addr); err == nil {
		if version != c.params.TransparentAddrID || len(payload) != 20 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		return &Address{
			Kind:       KindTransparent,
			Encoded:    addr,
			PubKeyHash: payload,
		}, nil
	}

	// Sapling addresses overrun the 90 character limit of BIP-173, so
	// decode without it.  DecodeNoLimit accepts either checksum flavor
	// and discards which one matched; re-encoding with the expected
	// flavor and comparing pins the checksum version for each HRP.
	hrp, data, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	switch hrp {
	case c.params.SaplingHRP:
		if enc, err := bech32.Encode(hrp, data); err != nil ||
			enc != strings.ToLower(addr) {

			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		return &Address{
			Kind:            KindSapling,
			Encoded:         addr,
			SaplingReceiver: payload,
		}, nil

	case c.params.UnifiedHRP:
		if enc, err := bech32.EncodeM(hrp, data); err != nil ||
			enc != strings.ToLower(addr) {

			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		orchard, sapling, err := unmarshalReceivers(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		return &Address{
			Kind:            KindUnified,
			Encoded:         addr,
			SaplingReceiver: sapling,
			OrchardReceiver: orchard,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
}

// marshalReceivers packs the present receivers with single byte length
// prefixes.  A zero length marks an absent receiver.
func marshalReceivers(orchard, sapling []byte) []byte {
	payload := make([]byte, 0, len(orchard)+len(sapling)+2)
	payload = append(payload, byte(len(orchard)))
	payload = append(payload, orchard...)
	payload = append(payload, byte(len(sapling)))
	payload = append(payload, sapling...)
	return payload
}

func unmarshalReceivers(payload []byte) (orchard, sapling []byte, err error) {
	read := func() ([]byte, error) {
		if len(payload) < 1 {
			return nil, ErrInvalidAddress
		}
		n := int(payload[0])
		payload = payload[1:]
		if len(payload) < n {
			return nil, ErrInvalidAddress
		}
		b := payload[:n]
		payload = payload[n:]
		if n == 0 {
			return nil, nil
		}
		return b, nil
	}

	if orchard, err = read(); err != nil {
		return nil, nil, err
	}
	if sapling, err = read(); err != nil {
		return nil, nil, err
	}
	if orchard == nil && sapling == nil {
		return nil, nil, ErrNoReceiver
	}
	return orchard, sapling, nil
}
