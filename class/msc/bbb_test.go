// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"encoding/binary"
	"testing"
)

func TestCBWBytes(t *testing.T) {
	cdb := Read10CDB(7, 1).Bytes()
	cbw := CBW{
		Signature:          CBWSignature,
		Tag:                0x42,
		DataTransferLength: 512,
		Flags:              cbwFlagDataIn,
		LUN:                0,
		Length:             10,
		CommandBlock:       cdb,
	}
	b := cbw.Bytes()

	if len(b) != CBWLength {
		t.Fatalf("len(Bytes()) = %d, want %d", len(b), CBWLength)
	}
	if got := binary.LittleEndian.Uint32(b[0:4]); got != CBWSignature {
		t.Errorf("signature = %#08x, want %#08x", got, CBWSignature)
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); got != 0x42 {
		t.Errorf("tag = %#08x, want %#08x", got, 0x42)
	}
	if got := binary.LittleEndian.Uint32(b[8:12]); got != 512 {
		t.Errorf("dataTransferLength = %d, want 512", got)
	}
	if b[12] != cbwFlagDataIn {
		t.Errorf("flags = %#02x, want %#02x", b[12], cbwFlagDataIn)
	}
	if b[14] != 10 {
		t.Errorf("length = %d, want 10", b[14])
	}
	if b[15] != OpRead10 {
		t.Errorf("command block opcode = %#02x, want %#02x", b[15], OpRead10)
	}
}

func TestParseCSW(t *testing.T) {
	b := make([]byte, CSWLength)
	binary.LittleEndian.PutUint32(b[0:4], CSWSignature)
	binary.LittleEndian.PutUint32(b[4:8], 0x42)
	binary.LittleEndian.PutUint32(b[8:12], 0)
	b[12] = CSWStatusPassed

	csw, err := ParseCSW(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if csw.Tag != 0x42 {
		t.Errorf("Tag = %#08x, want %#08x", csw.Tag, 0x42)
	}
	if csw.Status != CSWStatusPassed {
		t.Errorf("Status = %#02x, want %#02x", csw.Status, CSWStatusPassed)
	}
}

func TestParseCSWBadSignature(t *testing.T) {
	b := make([]byte, CSWLength)
	binary.LittleEndian.PutUint32(b[0:4], 0xDEADBEEF)
	if _, err := ParseCSW(b); err == nil {
		t.Fatal("expected an error for a bad CSW signature")
	}
}

func TestParseCSWTooShort(t *testing.T) {
	if _, err := ParseCSW(make([]byte, 4)); err == nil {
		t.Fatal("expected an error for a short CSW")
	}
}
