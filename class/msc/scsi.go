// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package msc implements the USB Mass Storage host class engine: the
// SCSI Bulk-Only Transport (CBW/data/CSW) inner transaction, and the
// outer TEST UNIT READY / READ CAPACITY(10) / READ(10) command loop.
package msc

import "encoding/binary"

// SCSI operation codes. The engine issues all of these except
// OpInquiry, which is defined but never sent.
const (
	OpTestUnitReady  = 0x00
	OpRequestSense   = 0x03
	OpInquiry        = 0x12
	OpReadCapacity10 = 0x25
	OpRead10         = 0x28
)

// CDB6 is a 6-byte SCSI command descriptor block, packed into a 16-byte
// CBW command block with 10 bytes of trailing padding.
type CDB6 struct {
	Opcode  uint8
	Misc    uint32 // LUN / reserved / allocation-length field, command dependent
	Control uint8
}

// Bytes packs the CDB6 into a 16-byte CBW command block.
func (c CDB6) Bytes() [16]byte {
	var b [16]byte
	b[0] = c.Opcode
	binary.BigEndian.PutUint32(b[1:5], c.Misc)
	b[5] = c.Control
	return b
}

// CDB10 is a 10-byte SCSI command descriptor block, packed into a
// 16-byte CBW command block with 6 bytes of trailing padding.
type CDB10 struct {
	Opcode         uint8
	Flags          uint8
	LBA            uint32
	Group          uint8
	TransferLength uint16
	Control        uint8
}

// Bytes packs the CDB10 into a 16-byte CBW command block.
func (c CDB10) Bytes() [16]byte {
	var b [16]byte
	b[0] = c.Opcode
	b[1] = c.Flags
	binary.BigEndian.PutUint32(b[2:6], c.LBA)
	b[6] = c.Group
	binary.BigEndian.PutUint16(b[7:9], c.TransferLength)
	b[9] = c.Control
	return b
}

// TestUnitReadyCDB builds the TEST UNIT READY (6) command.
func TestUnitReadyCDB() CDB6 { return CDB6{Opcode: OpTestUnitReady} }

// RequestSenseCDB builds the REQUEST SENSE (6) command requesting
// allocLen bytes of fixed-format sense data.
func RequestSenseCDB(allocLen uint8) CDB6 {
	return CDB6{Opcode: OpRequestSense, Misc: uint32(allocLen)}
}

// ReadCapacity10CDB builds the READ CAPACITY (10) command.
func ReadCapacity10CDB() CDB10 { return CDB10{Opcode: OpReadCapacity10} }

// Read10CDB builds a READ (10) command for the given starting LBA and
// block count.
func Read10CDB(lba uint32, blocks uint16) CDB10 {
	return CDB10{Opcode: OpRead10, LBA: lba, TransferLength: blocks}
}

// SenseData is the fixed-format sense data returned by REQUEST SENSE
// (SPC-3 §4.5.3), trimmed to the fields this engine surfaces.
type SenseData struct {
	ResponseCode uint8
	SenseKey     uint8
	ASC          uint8
	ASCQ         uint8
}

// ParseSenseData decodes an 18-byte (or shorter, allocation-limited)
// fixed-format sense data response.
func ParseSenseData(b []byte) SenseData {
	var sd SenseData
	if len(b) > 0 {
		sd.ResponseCode = b[0]
	}
	if len(b) > 2 {
		sd.SenseKey = b[2] & 0x0F
	}
	if len(b) > 12 {
		sd.ASC = b[12]
	}
	if len(b) > 13 {
		sd.ASCQ = b[13]
	}
	return sd
}

// ParseReadCapacity10 decodes the 8-byte big-endian READ CAPACITY (10)
// response into a block count (last LBA + 1) and block size.
func ParseReadCapacity10(b []byte) (blockCount, blockSize uint32) {
	lastLBA := binary.BigEndian.Uint32(b[0:4])
	blockSize = binary.BigEndian.Uint32(b[4:8])
	return lastLBA + 1, blockSize
}
