// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbh

import "testing"

// hidKeyboardConfigDescriptor is a synthetic configuration descriptor for
// a single-interface HID boot keyboard: one interrupt IN endpoint.
var hidKeyboardConfigDescriptor = []byte{
	9, DescConfiguration, 25, 0, 1, 1, 0, 0x80, 50,
	9, DescInterface, 0, 0, 1, 0x03, 0x01, 0x01, 0,
	7, DescEndpoint, 0x81, 0x03, 8, 0, 10,
}

// mscConfigDescriptor is a synthetic configuration descriptor for a
// SCSI Bulk-Only Transport mass-storage interface with bulk IN and OUT
// endpoints.
var mscConfigDescriptor = []byte{
	9, DescConfiguration, 32, 0, 1, 1, 0, 0x80, 50,
	9, DescInterface, 0, 0, 2, 0x08, 0x06, 0x50, 0,
	7, DescEndpoint, 0x81, 0x02, 64, 0, 0,
	7, DescEndpoint, 0x01, 0x02, 64, 0, 0,
}

func feed(p *DescriptorParser, b []byte) {
	p.Enable()
	for _, c := range b {
		if p.Done || p.Err != nil {
			return
		}
		p.PushByte(c)
	}
}

func TestDescriptorParserFindsInterruptIn(t *testing.T) {
	p := NewDescriptorParser(FilterIn, EPInterrupt, InterfaceMatch{Class: 0x03})
	feed(p, hidKeyboardConfigDescriptor)

	if p.Err != nil {
		t.Fatalf("unexpected error: %v", p.Err)
	}
	if !p.Done {
		t.Fatal("parser did not complete")
	}
	if !p.Result.FoundIn {
		t.Fatal("expected FoundIn")
	}
	if p.Result.InEndpoint != 0x81 {
		t.Errorf("InEndpoint = %#02x, want %#02x", p.Result.InEndpoint, 0x81)
	}
	if p.Result.FoundOut {
		t.Error("did not ask for OUT, should not report FoundOut")
	}
}

func TestDescriptorParserFindsBulkInAndOut(t *testing.T) {
	subclass := uint8(0x06)
	protocol := uint8(0x50)
	p := NewDescriptorParser(FilterInAndOut, EPBulk, InterfaceMatch{
		Class:    0x08,
		SubClass: &subclass,
		Protocol: &protocol,
	})
	feed(p, mscConfigDescriptor)

	if p.Err != nil {
		t.Fatalf("unexpected error: %v", p.Err)
	}
	if !p.Done {
		t.Fatal("parser did not complete")
	}
	if !p.Result.FoundIn || p.Result.InEndpoint != 0x81 {
		t.Errorf("IN endpoint = %#02x found=%v, want %#02x found=true", p.Result.InEndpoint, p.Result.FoundIn, 0x81)
	}
	if !p.Result.FoundOut || p.Result.OutEndpoint != 0x01 {
		t.Errorf("OUT endpoint = %#02x found=%v, want %#02x found=true", p.Result.OutEndpoint, p.Result.FoundOut, 0x01)
	}
}

func TestDescriptorParserSubClassMismatch(t *testing.T) {
	subclass := uint8(0x99) // does not match mscConfigDescriptor's 0x06
	p := NewDescriptorParser(FilterInAndOut, EPBulk, InterfaceMatch{
		Class:    0x08,
		SubClass: &subclass,
	})
	feed(p, mscConfigDescriptor)

	if p.Err != nil {
		t.Fatalf("unexpected error: %v", p.Err)
	}
	if p.Done {
		t.Fatal("parser should not complete: no interface should match")
	}
	if p.Result.FoundIn || p.Result.FoundOut {
		t.Error("no endpoint should have matched a non-matching interface")
	}
}

func TestDescriptorParserClassMismatch(t *testing.T) {
	// Ask for a HID interface against the mass-storage descriptor: no
	// interface should match, so no endpoints should be extracted even
	// though endpoint descriptors of the right transfer type exist.
	p := NewDescriptorParser(FilterInAndOut, EPBulk, InterfaceMatch{Class: 0x03})
	feed(p, mscConfigDescriptor)

	if p.Done {
		t.Fatal("parser should not complete: class does not match")
	}
	if p.Result.FoundIn || p.Result.FoundOut {
		t.Error("endpoints should not be extracted from a non-matching interface")
	}
}

func TestDescriptorParserRejectsShortDescriptor(t *testing.T) {
	p := NewDescriptorParser(FilterIn, EPInterrupt, InterfaceMatch{Class: 0x03})
	p.Enable()
	p.PushByte(1) // bLength < 2 is invalid
	if p.Err == nil {
		t.Fatal("expected an error for an invalid bLength")
	}
}

func TestDescriptorParserNoOpBeforeEnable(t *testing.T) {
	p := NewDescriptorParser(FilterIn, EPInterrupt, InterfaceMatch{Class: 0x03})
	p.PushByte(9) // Enable was never called
	if p.Done || p.Err != nil {
		t.Fatal("PushByte before Enable must be a no-op")
	}
}
