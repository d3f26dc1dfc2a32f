// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package keyboard

import "testing"

func TestModifiers(t *testing.T) {
	m := Modifiers(0x22) // LeftShift (0x02) | RightShift (0x20)
	if !m.LeftShift() {
		t.Error("expected LeftShift set")
	}
	if !m.RightShift() {
		t.Error("expected RightShift set")
	}
	if m.LeftCtrl() || m.LeftAlt() || m.LeftGUI() || m.RightCtrl() || m.RightAlt() || m.RightGUI() {
		t.Error("unexpected modifier bit set")
	}
}

func TestDecodeReport(t *testing.T) {
	raw := [ReportSize]byte{0x02, 0x00, 0x0B, 0x08, 0x0F, 0x0F, 0x12, 0x00}
	r := decodeReport(raw)

	if !r.Modifiers.LeftShift() {
		t.Error("expected LeftShift decoded from modifiers byte")
	}
	want := [6]uint8{0x0B, 0x08, 0x0F, 0x0F, 0x12, 0x00}
	if r.Keys != want {
		t.Errorf("Keys = %v, want %v", r.Keys, want)
	}
}
