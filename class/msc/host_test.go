// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apfaudio/guh/class/msc"
	"github.com/apfaudio/guh/transport/sim"
	"github.com/apfaudio/guh/usbh"
)

var mscDeviceDescriptor = []byte{
	18, usbh.DescDevice, 0x00, 0x02, 0, 0, 0, 64,
	0x34, 0x12, 0x7A, 0x56, 0x00, 0x01, 0, 0, 0, 1,
}

var mscConfigDescriptor = []byte{
	9, usbh.DescConfiguration, 32, 0, 1, 1, 0, 0x80, 50,
	9, usbh.DescInterface, 0, 0, 2, 0x08, 0x06, 0x50, 0,
	7, usbh.DescEndpoint, 0x81, 0x02, 64, 0, 0,
	7, usbh.DescEndpoint, 0x01, 0x02, 64, 0, 0,
}

// fakeDisk answers TEST UNIT READY, READ CAPACITY(10) and READ(10)
// against a small in-memory block store, enough to drive msc.Host.Run
// through waitReady/readCapacity/readBlocks end to end.
type fakeDisk struct {
	blockSize, blockCount uint32
	data                  []byte

	mu      sync.Mutex
	pending [][]byte
}

func (f *fakeDisk) outSink(epAddr uint8, payload []byte) bool {
	if len(payload) < 31 || binary.LittleEndian.Uint32(payload[0:4]) != msc.CBWSignature {
		return true
	}
	tag := binary.LittleEndian.Uint32(payload[4:8])
	cb := payload[15:31]

	f.mu.Lock()
	defer f.mu.Unlock()

	var data []byte
	switch cb[0] {
	case msc.OpTestUnitReady:
	case msc.OpReadCapacity10:
		data = make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], f.blockCount-1)
		binary.BigEndian.PutUint32(data[4:8], f.blockSize)
	case msc.OpRead10:
		lba := binary.BigEndian.Uint32(cb[2:6])
		blocks := binary.BigEndian.Uint16(cb[7:9])
		start := uint64(lba) * uint64(f.blockSize)
		length := uint64(blocks) * uint64(f.blockSize)
		data = f.data[start : start+length]
	}

	csw := make([]byte, msc.CSWLength)
	binary.LittleEndian.PutUint32(csw[0:4], msc.CSWSignature)
	binary.LittleEndian.PutUint32(csw[4:8], tag)
	csw[12] = msc.CSWStatusPassed

	f.pending = nil
	if len(data) > 0 {
		f.pending = append(f.pending, data)
	}
	f.pending = append(f.pending, csw)
	return true
}

func (f *fakeDisk) inSource(epAddr uint8) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, false
	}
	next := f.pending[0]
	f.pending = f.pending[1:]
	return next, true
}

func TestHostRunReadsBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := usbh.SimulationConfig()
	cfg.TestUnitReadyRetries = 3

	disk := &fakeDisk{blockSize: 512, blockCount: 16, data: make([]byte, 512*16)}
	for i := range disk.data {
		disk.data[i] = byte(i)
	}

	dev, hostPHY := sim.NewDevice(cfg, mscDeviceDescriptor, mscConfigDescriptor, false)
	dev.SetOUTSink(disk.outSink)
	dev.SetINSource(disk.inSource)
	go dev.Run(ctx)

	reset := usbh.NewResetController(cfg, hostPHY, true)
	speed, err := reset.Run(ctx)
	require.NoError(t, err)

	sie, sof := usbh.NewBus(cfg, hostPHY, speed)
	go sof.Run(ctx, speed)

	host := msc.New(cfg, sie, sof)
	go host.Run(ctx)

	select {
	case host.Reads <- msc.ReadRequest{LBA: 0}:
	case <-ctx.Done():
		t.Fatal("timed out sending ReadRequest")
	}

	select {
	case res := <-host.Results:
		require.NoError(t, res.Error)
		require.Len(t, res.Data, 512)
		require.Equal(t, disk.data[:512], res.Data)
	case <-ctx.Done():
		t.Fatal("timed out waiting for ReadResult")
	}

	require.Equal(t, uint32(16), host.BlockCount)
	require.Equal(t, uint32(512), host.BlockSize)
}
