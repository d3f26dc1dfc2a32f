// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"sync"
	"time"

	"github.com/apfaudio/guh/transport/sim"
)

// simMIDIDeviceDescriptor and simMIDIConfigDescriptor describe a
// minimal single-interface USB-MIDI streaming device: one bulk IN
// endpoint carrying 4-byte USB-MIDI events.
var (
	simMIDIDeviceDescriptor = []byte{
		18, 1,
		0x00, 0x02,
		0, 0, 0,
		64,
		0x34, 0x12,
		0x79, 0x56,
		0x00, 0x01,
		0, 0, 0,
		1,
	}

	simMIDIConfigDescriptor = []byte{
		9, 2,
		25, 0,
		1, 1, 0, 0x80, 50,
		9, 4, 0, 0, 1,
		0x01, // bInterfaceClass = Audio
		0x03, // bInterfaceSubClass = MIDIStreaming
		0x00, // bInterfaceProtocol
		0,
		7, 5, 0x81,
		0x02, // bmAttributes = bulk
		64, 0,
		0,
	}
)

// simMIDIEvents returns an INSource emitting a repeating note-on/note-off
// pair as USB-MIDI events on cable 0.
func simMIDIEvents() sim.INSource {
	events := [][4]byte{
		{0x09, 0x90, 0x3C, 0x64}, // note on, cable 0, channel 0, C4, velocity 100
		{0x08, 0x80, 0x3C, 0x00}, // note off
	}

	var (
		mu       sync.Mutex
		idx      int
		lastSent time.Time
	)

	return func(epAddr uint8) ([]byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(lastSent) < 500*time.Millisecond {
			return nil, false
		}
		lastSent = time.Now()
		e := events[idx%len(events)]
		idx++
		return append([]byte(nil), e[:]...), true
	}
}
