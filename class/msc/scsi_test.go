// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import "testing"

func TestRead10CDBBytes(t *testing.T) {
	cdb := Read10CDB(0x01020304, 0x0203)
	b := cdb.Bytes()

	want := [16]byte{OpRead10, 0, 0x01, 0x02, 0x03, 0x04, 0, 0x02, 0x03, 0}
	if b != want {
		t.Errorf("Read10CDB(...).Bytes() = %v, want %v", b, want)
	}
}

func TestReadCapacity10CDBBytes(t *testing.T) {
	cdb := ReadCapacity10CDB()
	b := cdb.Bytes()
	if b[0] != OpReadCapacity10 {
		t.Errorf("Opcode = %#02x, want %#02x", b[0], OpReadCapacity10)
	}
	for i := 1; i < 16; i++ {
		if b[i] != 0 {
			t.Fatalf("expected zero padding at byte %d, got %#02x", i, b[i])
		}
	}
}

func TestTestUnitReadyCDBBytes(t *testing.T) {
	cdb := TestUnitReadyCDB()
	b := cdb.Bytes()
	if b[0] != OpTestUnitReady {
		t.Errorf("Opcode = %#02x, want %#02x", b[0], OpTestUnitReady)
	}
}

func TestRequestSenseCDBBytes(t *testing.T) {
	cdb := RequestSenseCDB(18)
	b := cdb.Bytes()
	if b[0] != OpRequestSense {
		t.Errorf("Opcode = %#02x, want %#02x", b[0], OpRequestSense)
	}
	// Misc is packed big-endian into bytes 1:5; allocation length 18
	// lands in the low byte.
	if b[4] != 18 {
		t.Errorf("allocation length byte = %d, want 18", b[4])
	}
}

func TestParseReadCapacity10(t *testing.T) {
	b := []byte{0x00, 0x00, 0x03, 0xFF, 0x00, 0x00, 0x02, 0x00}
	blockCount, blockSize := ParseReadCapacity10(b)
	if blockCount != 0x400 {
		t.Errorf("blockCount = %d, want %d", blockCount, 0x400)
	}
	if blockSize != 512 {
		t.Errorf("blockSize = %d, want 512", blockSize)
	}
}

func TestParseSenseData(t *testing.T) {
	b := make([]byte, 18)
	b[0] = 0x70
	b[2] = 0xE6 // sense key 0x06, upper nibble should be masked off
	b[12] = 0x29
	b[13] = 0x00

	sd := ParseSenseData(b)
	if sd.ResponseCode != 0x70 {
		t.Errorf("ResponseCode = %#02x, want %#02x", sd.ResponseCode, 0x70)
	}
	if sd.SenseKey != 0x06 {
		t.Errorf("SenseKey = %#02x, want %#02x", sd.SenseKey, 0x06)
	}
	if sd.ASC != 0x29 {
		t.Errorf("ASC = %#02x, want %#02x", sd.ASC, 0x29)
	}
}

func TestParseSenseDataShort(t *testing.T) {
	sd := ParseSenseData(nil)
	if sd != (SenseData{}) {
		t.Errorf("ParseSenseData(nil) = %+v, want zero value", sd)
	}
}
