// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/binary"
	"io"
)

// MemoDownloadOption controls which memos the wallet fetches during sync.
type MemoDownloadOption uint8

const (
	// NoMemos skips all memo downloads.
	NoMemos MemoDownloadOption = iota

	// WalletMemos downloads memos only for transactions involving the
	// wallet.
	WalletMemos

	// AllMemos downloads every memo.
	AllMemos
)

// Options are the tunable wallet behaviors persisted in the wallet file.
type Options struct {
	// DownloadMemos selects the memo download policy.
	DownloadMemos MemoDownloadOption

	// TransactionSizeFilter drops transactions with more outputs than
	// this during sync.  Zero disables the filter.
	TransactionSizeFilter uint64
}

// DefaultOptions are the options applied to new wallets and to wallet files
// predating the options section.
func DefaultOptions() Options {
	return Options{
		DownloadMemos:         WalletMemos,
		TransactionSizeFilter: 500,
	}
}

// optionsVersion is the serialization version of the options section.
const optionsVersion uint32 = 1

func writeOptions(w io.Writer, opts Options) error {
	if err := binary.Write(w, binary.LittleEndian, optionsVersion); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(opts.DownloadMemos)}); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, opts.TransactionSizeFilter)
}

func readOptions(r io.Reader) (Options, error) {
	var opts Options
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return opts, err
	}
	if version > optionsVersion {
		return opts, walletError(ErrSerialization,
			"options version is newer than this wallet understands", nil)
	}

	var memo [1]byte
	if _, err := io.ReadFull(r, memo[:]); err != nil {
		return opts, err
	}
	opts.DownloadMemos = MemoDownloadOption(memo[0])
	if err := binary.Read(r, binary.LittleEndian,
		&opts.TransactionSizeFilter); err != nil {

		return opts, err
	}
	return opts, nil
}
