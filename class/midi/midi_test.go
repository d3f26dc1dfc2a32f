// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package midi

import "testing"

func TestEventCableNumberAndCodeIndex(t *testing.T) {
	e := Event{0x09, 0x90, 0x3C, 0x64} // cable 0, CIN 9 (note on)
	if e.CableNumber() != 0 {
		t.Errorf("CableNumber() = %d, want 0", e.CableNumber())
	}
	if e.CodeIndex() != 0x9 {
		t.Errorf("CodeIndex() = %#x, want %#x", e.CodeIndex(), 0x9)
	}
}

func TestEventCableNumberNonZero(t *testing.T) {
	e := Event{0x38, 0x80, 0x3C, 0x00} // cable 3, CIN 8 (note off)
	if e.CableNumber() != 3 {
		t.Errorf("CableNumber() = %d, want 3", e.CableNumber())
	}
	if e.CodeIndex() != 0x8 {
		t.Errorf("CodeIndex() = %#x, want %#x", e.CodeIndex(), 0x8)
	}
}
