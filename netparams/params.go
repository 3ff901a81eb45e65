// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams defines the network parameters the wallet engine needs:
// the chain name persisted in wallet files, per-pool activation heights, the
// anchor offset policy for shielded spends, and address encoding prefixes.
package netparams

// Pool identifies a value-holding mechanism.  The transparent pool holds
// plaintext outputs while the sapling and orchard pools hold shielded notes
// with their own commitment and nullifier types.
type Pool uint8

const (
	PoolTransparent Pool = iota
	PoolSapling
	PoolOrchard
)

// String returns the pool name.
func (p Pool) String() string {
	switch p {
	case PoolTransparent:
		return "transparent"
	case PoolSapling:
		return "sapling"
	case PoolOrchard:
		return "orchard"
	}
	return "unknown"
}

// ShieldedPools lists the pools with commitment trees, in serialization
// order.
var ShieldedPools = []Pool{PoolSapling, PoolOrchard}

// Params houses the wallet-relevant parameters of a network.
type Params struct {
	// Name is the chain identifier.  It is written into every wallet file
	// and must match on load.
	Name string

	// SaplingActivationHeight is the height the sapling pool activated.
	// It acts as the floor for wallet birthdays.
	SaplingActivationHeight uint64

	// OrchardActivationHeight is the height the orchard pool activated.
	OrchardActivationHeight uint64

	// AnchorOffsets is the ordered list of confirmation-depth tiers used
	// for anchor selection, deepest first.  The final entry is the
	// minimum offset; the minimum usable confirmations is that entry
	// plus one.
	AnchorOffsets []uint32

	// TransparentAddrID is the base58check version byte for transparent
	// addresses.
	TransparentAddrID byte

	// SaplingHRP and UnifiedHRP are the bech32 human-readable parts for
	// sapling and unified addresses.
	SaplingHRP string
	UnifiedHRP string
}

// defaultAnchorOffsets mirrors the upstream default confirmation tiers.
var defaultAnchorOffsets = []uint32{9, 4, 2, 1, 0}

// MainNetParams are the wallet parameters for the main network.
var MainNetParams = Params{
	Name:                    "main",
	SaplingActivationHeight: 419200,
	OrchardActivationHeight: 1687104,
	AnchorOffsets:           defaultAnchorOffsets,
	TransparentAddrID:       0x1c,
	SaplingHRP:              "zs",
	UnifiedHRP:              "u",
}

// TestNetParams are the wallet parameters for the test network.
var TestNetParams = Params{
	Name:                    "test",
	SaplingActivationHeight: 280000,
	OrchardActivationHeight: 1842420,
	AnchorOffsets:           defaultAnchorOffsets,
	TransparentAddrID:       0x1d,
	SaplingHRP:              "ztestsapling",
	UnifiedHRP:              "utest",
}

// RegtestParams are the wallet parameters for regression test networks and
// unit tests.  Both shielded pools are active from the first block.
var RegtestParams = Params{
	Name:                    "regtest",
	SaplingActivationHeight: 1,
	OrchardActivationHeight: 1,
	AnchorOffsets:           defaultAnchorOffsets,
	TransparentAddrID:       0x1d,
	SaplingHRP:              "zregtestsapling",
	UnifiedHRP:              "uregtest",
}

// MinConfirmations returns the minimum number of confirmations a shielded
// note needs before any anchor tier can select it.
func (p *Params) MinConfirmations() uint32 {
	if len(p.AnchorOffsets) == 0 {
		return 1
	}
	return p.AnchorOffsets[len(p.AnchorOffsets)-1] + 1
}

// MaxAnchorOffset returns the deepest configured anchor offset.
func (p *Params) MaxAnchorOffset() uint32 {
	if len(p.AnchorOffsets) == 0 {
		return 0
	}
	return p.AnchorOffsets[0]
}

// ActivationHeight returns the activation height for a shielded pool.  The
// transparent pool has no activation gate and reports zero.
func (p *Params) ActivationHeight(pool Pool) uint64 {
	switch pool {
	case PoolSapling:
		return p.SaplingActivationHeight
	case PoolOrchard:
		return p.OrchardActivationHeight
	}
	return 0
}
