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

// simKeyboardDeviceDescriptor and simKeyboardConfigDescriptor describe a
// minimal single-interface HID boot-protocol keyboard: one interrupt IN
// endpoint, 8-byte reports, matching the descriptor layout
// usbh.DescriptorParser expects.
var (
	simKeyboardDeviceDescriptor = []byte{
		18, 1, // bLength, bDescriptorType=DEVICE
		0x00, 0x02, // bcdUSB 2.00
		0, 0, 0, // class/subclass/protocol: defined at interface level
		8,          // bMaxPacketSize0
		0x34, 0x12, // idVendor
		0x78, 0x56, // idProduct
		0x00, 0x01, // bcdDevice
		0, 0, 0, // manufacturer/product/serial string indices
		1, // bNumConfigurations
	}

	simKeyboardConfigDescriptor = []byte{
		9, 2, // bLength, bDescriptorType=CONFIGURATION
		25, 0, // wTotalLength = 9+9+7
		1,          // bNumInterfaces
		1,          // bConfigurationValue
		0,          // iConfiguration
		0x80,       // bmAttributes (bus powered)
		50,         // bMaxPower (100mA)
		9, 4, 0, 0, // interface: bLength, INTERFACE, bInterfaceNumber, bAlternateSetting
		1,          // bNumEndpoints
		0x03,       // bInterfaceClass = HID
		0x01,       // bInterfaceSubClass = boot
		0x01,       // bInterfaceProtocol = keyboard
		0,          // iInterface
		7, 5, 0x81, // endpoint: bLength, ENDPOINT, bEndpointAddress (IN 1)
		0x03,    // bmAttributes = interrupt
		8, 0,    // wMaxPacketSize
		10, // bInterval
	}
)

// simKeyboardReports returns an INSource that cycles a short demo
// sequence of HID boot keyboard reports, useful for exercising the
// host binary without real hardware.
func simKeyboardReports() sim.INSource {
	sequence := [][8]byte{
		{0, 0, 0x0B, 0, 0, 0, 0, 0}, // 'h'
		{0, 0, 0x08, 0, 0, 0, 0, 0}, // 'e'
		{0, 0, 0x0F, 0, 0, 0, 0, 0}, // 'l'
		{0, 0, 0x0F, 0, 0, 0, 0, 0}, // 'l'
		{0, 0, 0x12, 0, 0, 0, 0, 0}, // 'o'
		{0, 0, 0, 0, 0, 0, 0, 0},    // release
	}

	var (
		mu       sync.Mutex
		idx      int
		lastSent time.Time
	)

	return func(epAddr uint8) ([]byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(lastSent) < 200*time.Millisecond {
			return nil, false
		}
		lastSent = time.Now()
		r := sequence[idx%len(sequence)]
		idx++
		data := make([]byte, 8)
		copy(data, r[:])
		return data, true
	}
}
