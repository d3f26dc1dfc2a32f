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
	"encoding/binary"
	"sync"
)

// simMSCDeviceDescriptor and simMSCConfigDescriptor describe a minimal
// single-interface SCSI Bulk-Only Transport mass-storage device: one
// bulk IN and one bulk OUT endpoint.
var (
	simMSCDeviceDescriptor = []byte{
		18, 1,
		0x00, 0x02,
		0, 0, 0,
		64,
		0x34, 0x12,
		0x7A, 0x56,
		0x00, 0x01,
		0, 0, 0,
		1,
	}

	simMSCConfigDescriptor = []byte{
		9, 2,
		32, 0, // wTotalLength = 9+9+7+7
		1, 1, 0, 0x80, 50,
		9, 4, 0, 0, 2,
		0x08, // bInterfaceClass = Mass Storage
		0x06, // bInterfaceSubClass = SCSI transparent command set
		0x50, // bInterfaceProtocol = Bulk-Only Transport
		0,
		7, 5, 0x81, 0x02, 64, 0, 0, // bulk IN
		7, 5, 0x01, 0x02, 64, 0, 0, // bulk OUT
	}
)

const (
	opTestUnitReady  = 0x00
	opRequestSense   = 0x03
	opReadCapacity10 = 0x25
	opRead10         = 0x28
)

// simMassStorage answers the SCSI Bulk-Only Transport commands
// class/msc.Host issues against a synthetic in-memory block device.
type simMassStorage struct {
	blockSize  uint32
	blockCount uint32
	data       []byte

	mu      sync.Mutex
	tag     uint32
	pending [][]byte // queued IN packets: data phase (if any) then CSW
}

func newSimMassStorage(blockSize, blockCount uint32) *simMassStorage {
	data := make([]byte, blockSize*blockCount)
	for i := range data {
		data[i] = byte(i)
	}
	return &simMassStorage{blockSize: blockSize, blockCount: blockCount, data: data}
}

func (s *simMassStorage) outSink(epAddr uint8, payload []byte) bool {
	if len(payload) < 31 || binary.LittleEndian.Uint32(payload[0:4]) != 0x43425355 {
		return true // not a CBW we understand; ACK and drop
	}
	tag := binary.LittleEndian.Uint32(payload[4:8])
	cb := payload[15:31]
	opcode := cb[0]

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tag = tag

	var data []byte
	status := byte(0) // CSWStatusPassed

	switch opcode {
	case opTestUnitReady:
		// no data phase

	case opReadCapacity10:
		data = make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], s.blockCount-1)
		binary.BigEndian.PutUint32(data[4:8], s.blockSize)

	case opRead10:
		lba := binary.BigEndian.Uint32(cb[2:6])
		blocks := binary.BigEndian.Uint16(cb[7:9])
		start := uint64(lba) * uint64(s.blockSize)
		length := uint64(blocks) * uint64(s.blockSize)
		if start+length <= uint64(len(s.data)) {
			data = s.data[start : start+length]
		} else {
			status = 1 // CSWStatusFailed
		}

	case opRequestSense:
		data = make([]byte, 18) // all-zero: no sense

	default:
		status = 1
	}

	csw := make([]byte, 13)
	binary.LittleEndian.PutUint32(csw[0:4], 0x53425355)
	binary.LittleEndian.PutUint32(csw[4:8], tag)
	binary.LittleEndian.PutUint32(csw[8:12], 0)
	csw[12] = status

	s.pending = nil
	if len(data) > 0 {
		s.pending = append(s.pending, data)
	}
	s.pending = append(s.pending, csw)
	return true
}

func (s *simMassStorage) inSource(epAddr uint8) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, true
}
