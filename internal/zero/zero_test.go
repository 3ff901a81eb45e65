// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zero

import (
	"bytes"
	"testing"
)

func TestBytes(t *testing.T) {
	for _, n := range []int{0, 1, 31, 32, 33, 127} {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i + 1)
		}
		Bytes(b)
		if !bytes.Equal(b, make([]byte, n)) {
			t.Errorf("Bytes failed to zero %d-byte slice", n)
		}
	}
}

func TestBytea32(t *testing.T) {
	var b [32]byte
	for i := range b {
		b[i] = byte(i + 1)
	}
	Bytea32(&b)
	if b != [32]byte{} {
		t.Error("Bytea32 failed to zero array")
	}
}

func TestBytea64(t *testing.T) {
	var b [64]byte
	for i := range b {
		b[i] = byte(i + 1)
	}
	Bytea64(&b)
	if b != [64]byte{} {
		t.Error("Bytea64 failed to zero array")
	}
}
