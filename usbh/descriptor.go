// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbh

import (
	"encoding/binary"
	"fmt"
)

const (
	DeviceDescriptorLength        = 18
	ConfigurationDescriptorLength = 9
)

// Endpoint transfer types (bmAttributes bits 1:0, Table 9-13, USB2.0).
const (
	EPControl     = 0
	EPIsochronous = 1
	EPBulk        = 2
	EPInterrupt   = 3
)

// DeviceDescriptor implements p290, Table 9-8, USB Specification
// Revision 2.0, as parsed from a GET_DESCRIPTOR(DEVICE) response.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes a raw GET_DESCRIPTOR(DEVICE) response.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < DeviceDescriptorLength {
		return DeviceDescriptor{}, fmt.Errorf("%w: device descriptor too short (%d bytes)", ErrUnsupportedDescriptor, len(b))
	}
	return DeviceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		USBVersion:        binary.LittleEndian.Uint16(b[2:4]),
		DeviceClass:       b[4],
		DeviceSubClass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize0:    b[7],
		VendorID:          binary.LittleEndian.Uint16(b[8:10]),
		ProductID:         binary.LittleEndian.Uint16(b[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(b[12:14]),
		Manufacturer:      b[14],
		Product:           b[15],
		SerialNumber:      b[16],
		NumConfigurations: b[17],
	}, nil
}

// ConfigurationDescriptor implements p293, Table 9-10, USB Specification
// Revision 2.0 (the fixed-size header only; interfaces/endpoints that
// follow it in the same transfer are handled by DescriptorParser).
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfigurationDescriptor decodes the fixed 9-byte header of a
// GET_DESCRIPTOR(CONFIGURATION) response. TotalLength tells the
// enumerator how many further bytes to pull and hand to the parser.
func ParseConfigurationDescriptor(b []byte) (ConfigurationDescriptor, error) {
	if len(b) < ConfigurationDescriptorLength {
		return ConfigurationDescriptor{}, fmt.Errorf("%w: configuration descriptor too short (%d bytes)", ErrUnsupportedDescriptor, len(b))
	}
	return ConfigurationDescriptor{
		Length:             b[0],
		DescriptorType:     b[1],
		TotalLength:        binary.LittleEndian.Uint16(b[2:4]),
		NumInterfaces:      b[4],
		ConfigurationValue: b[5],
		Configuration:      b[6],
		Attributes:         b[7],
		MaxPower:           b[8],
	}, nil
}

// Interface and endpoint descriptors (Table 9-12, 9-13, USB Specification
// Revision 2.0) are not modeled as structs here: DescriptorParser (see
// parser.go) consumes them byte-at-a-time without buffering a whole
// descriptor, so there is no point at which a buffered struct would be
// available to construct.
