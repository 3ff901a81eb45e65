// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/require"

	"github.com/dorianvp/zingolib/netparams"
)

func saplingReceiver() []byte {
	recv := make([]byte, 43)
	for i := range recv {
		recv[i] = byte(i + 1)
	}
	return recv
}

func orchardReceiver() []byte {
	recv := make([]byte, 43)
	for i := range recv {
		recv[i] = byte(0xa0 - i)
	}
	return recv
}

func pubKeyHash() []byte {
	pkh := make([]byte, 20)
	for i := range pkh {
		pkh[i] = byte(i)
	}
	return pkh
}

// TestSaplingRoundTrip encodes and decodes a sapling address on every
// network.  The testnet and regtest encodings exceed the 90 character
// BIP-173 limit, so the decoder must not enforce it.
func TestSaplingRoundTrip(t *testing.T) {
	for _, params := range []*netparams.Params{
		&netparams.MainNetParams,
		&netparams.TestNetParams,
		&netparams.RegtestParams,
	} {
		c := New(params)
		recv := saplingReceiver()

		addr, err := c.EncodeSapling(recv)
		require.NoError(t, err, params.Name)
		require.True(t, strings.HasPrefix(addr, params.SaplingHRP+"1"),
			params.Name)
		if params.SaplingHRP == "zregtestsapling" {
			require.Greater(t, len(addr), 90)
		}

		decoded, err := c.Decode(addr)
		require.NoError(t, err, params.Name)
		require.Equal(t, KindSapling, decoded.Kind, params.Name)
		require.Equal(t, recv, decoded.SaplingReceiver, params.Name)

		// All-uppercase input is equally valid bech32.
		decoded, err = c.Decode(strings.ToUpper(addr))
		require.NoError(t, err, params.Name)
		require.Equal(t, recv, decoded.SaplingReceiver, params.Name)
	}
}

func TestUnifiedRoundTrip(t *testing.T) {
	c := New(&netparams.RegtestParams)

	addr, err := c.EncodeUnified(orchardReceiver(), saplingReceiver())
	require.NoError(t, err)
	decoded, err := c.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, KindUnified, decoded.Kind)
	require.Equal(t, orchardReceiver(), decoded.OrchardReceiver)
	require.Equal(t, saplingReceiver(), decoded.SaplingReceiver)

	// A single receiver is enough.
	addr, err = c.EncodeUnified(orchardReceiver(), nil)
	require.NoError(t, err)
	decoded, err = c.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, orchardReceiver(), decoded.OrchardReceiver)
	require.Nil(t, decoded.SaplingReceiver)

	// None is not.
	_, err = c.EncodeUnified(nil, nil)
	require.ErrorIs(t, err, ErrNoReceiver)
}

func TestTransparentRoundTrip(t *testing.T) {
	c := New(&netparams.MainNetParams)

	addr, err := c.EncodeTransparent(pubKeyHash())
	require.NoError(t, err)
	decoded, err := c.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, KindTransparent, decoded.Kind)
	require.Equal(t, pubKeyHash(), decoded.PubKeyHash)

	_, err = c.EncodeTransparent(pubKeyHash()[:19])
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDecodeInvalid(t *testing.T) {
	mainnet := New(&netparams.MainNetParams)
	regtest := New(&netparams.RegtestParams)

	saplingAddr, err := mainnet.EncodeSapling(saplingReceiver())
	require.NoError(t, err)

	// Wrong network HRP.
	_, err = regtest.Decode(saplingAddr)
	require.ErrorIs(t, err, ErrInvalidAddress)

	// Garbage.
	_, err = mainnet.Decode("not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)

	// Corrupted checksum.
	last := "q"
	if strings.HasSuffix(saplingAddr, "q") {
		last = "p"
	}
	_, err = mainnet.Decode(saplingAddr[:len(saplingAddr)-1] + last)
	require.ErrorIs(t, err, ErrInvalidAddress)

	// A sapling HRP carrying a bech32m checksum is rejected.
	conv, err := bech32.ConvertBits(saplingReceiver(), 8, 5, true)
	require.NoError(t, err)
	wrongFlavor, err := bech32.EncodeM(
		netparams.MainNetParams.SaplingHRP, conv)
	require.NoError(t, err)
	_, err = mainnet.Decode(wrongFlavor)
	require.ErrorIs(t, err, ErrInvalidAddress)

	// A transparent address from another network fails on the version
	// byte.
	testnetAddr, err := New(&netparams.TestNetParams).
		EncodeTransparent(pubKeyHash())
	require.NoError(t, err)
	_, err = mainnet.Decode(testnetAddr)
	require.ErrorIs(t, err, ErrInvalidAddress)
}
