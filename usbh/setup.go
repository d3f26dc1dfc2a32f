// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbh

import "encoding/binary"

// Standard request codes (p279, Table 9-4, USB2.0). Only the subset the
// enumerator and class engines actually issue is named.
const (
	ReqGetStatus        = 0
	ReqClearFeature     = 1
	ReqSetFeature       = 3
	ReqSetAddress       = 5
	ReqGetDescriptor    = 6
	ReqSetDescriptor    = 7
	ReqGetConfiguration = 8
	ReqSetConfiguration = 9
)

// Descriptor types (p279, Table 9-5, USB2.0).
const (
	DescDevice        = 1
	DescConfiguration = 2
	DescString        = 3
	DescInterface     = 4
	DescEndpoint      = 5
)

// bmRequestType bit layout (p276, Table 9-2, USB2.0).
const (
	bmRecipientDevice = 0x00
	bmTypeStandard    = 0x00 << 5
	bmDirOut          = 0x00 << 7
	bmDirIn           = 0x01 << 7
)

// SetupData is the 8-byte control-transfer setup packet.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Bytes encodes the setup packet in wire order (little-endian, as all
// USB multi-byte fields are).
func (s SetupData) Bytes() []byte {
	b := make([]byte, 8)
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// GetDescriptorSetup builds the standard GET_DESCRIPTOR(device-recipient)
// setup packet.
func GetDescriptorSetup(descType, descIndex uint8, languageID, length uint16) SetupData {
	return SetupData{
		RequestType: bmDirIn | bmTypeStandard | bmRecipientDevice,
		Request:     ReqGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       languageID,
		Length:      length,
	}
}

// SetAddressSetup builds the standard SET_ADDRESS setup packet.
func SetAddressSetup(address uint8) SetupData {
	return SetupData{
		RequestType: bmDirOut | bmTypeStandard | bmRecipientDevice,
		Request:     ReqSetAddress,
		Value:       uint16(address),
		Index:       0,
		Length:      0,
	}
}

// SetConfigurationSetup builds the standard SET_CONFIGURATION setup
// packet.
func SetConfigurationSetup(configuration uint8) SetupData {
	return SetupData{
		RequestType: bmDirOut | bmTypeStandard | bmRecipientDevice,
		Request:     ReqSetConfiguration,
		Value:       uint16(configuration),
		Index:       0,
		Length:      0,
	}
}
