// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"context"
	"fmt"
	"time"

	"github.com/apfaudio/guh/usbh"
)

// Mass storage class/subclass/protocol values (p11, Table 4.5, USB
// Mass Storage Class Bulk-Only Transport, Rev. 1.0).
const (
	classMassStorage = 0x08
	subclassSCSI     = 0x06
	protocolBulkOnly = 0x50
)

// ReadRequest asks the engine to read one LBA's worth of blocks.
type ReadRequest struct {
	LBA uint32
}

// ReadResult is the outcome of a ReadRequest.
type ReadResult struct {
	Data  []byte
	Error error
}

// Host is a USB Mass Storage (SCSI Bulk-Only Transport) host engine.
// GET_MAX_LUN is intentionally not implemented; this engine always
// addresses LUN 0.
type Host struct {
	cfg *usbh.Config
	sie *usbh.SIE
	sof *usbh.SOFScheduler

	BlockCount uint32
	BlockSize  uint32

	Reads   chan ReadRequest
	Results chan ReadResult
}

func New(cfg *usbh.Config, sie *usbh.SIE, sof *usbh.SOFScheduler) *Host {
	return &Host{
		cfg: cfg, sie: sie, sof: sof,
		Reads:   make(chan ReadRequest),
		Results: make(chan ReadResult, 1),
	}
}

// Run enumerates the device as a SCSI Bulk-Only Transport mass storage
// interface, waits for the unit to report ready (at most
// Config.TestUnitReadyRetries TEST UNIT READY attempts), reads its capacity,
// then services ReadRequests from h.Reads until ctx is canceled or the
// watchdog expires.
func (h *Host) Run(ctx context.Context) error {
	subclass := uint8(subclassSCSI)
	protocol := uint8(protocolBulkOnly)
	parser := usbh.NewDescriptorParser(usbh.FilterInAndOut, usbh.EPBulk, usbh.InterfaceMatch{
		Class:    classMassStorage,
		SubClass: &subclass,
		Protocol: &protocol,
	})

	enum := usbh.NewEnumerator(h.cfg, h.sie, h.sof, usbh.DefaultEnumerationConfig())
	if err := enum.Enumerate(ctx, parser); err != nil {
		return err
	}
	if !parser.Result.FoundIn || !parser.Result.FoundOut {
		return fmt.Errorf("msc: missing bulk endpoint pair on SCSI Bulk-Only interface")
	}

	bbb := NewTransport(h.cfg, h.sie, enum.DeviceAddress, parser.Result.InEndpoint&0x0F, parser.Result.OutEndpoint&0x0F)

	if err := h.waitReady(ctx, bbb); err != nil {
		return err
	}

	if err := h.readCapacity(ctx, bbb); err != nil {
		return err
	}

	lastResponse := time.Now()
	for {
		if time.Since(lastResponse) >= h.cfg.MSCWatchdog {
			return usbh.ErrWatchdogExpired
		}
		if h.sie.Disconnected() {
			return usbh.ErrNoDevice
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-h.Reads:
			data, err := h.readBlocks(ctx, bbb, req.LBA)
			lastResponse = time.Now()
			select {
			case h.Results <- ReadResult{Data: data, Error: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// waitReady issues TEST UNIT READY at most Config.TestUnitReadyRetries
// times. After each attempt whose CSW status is not PASSED it issues
// REQUEST SENSE (mirroring real initiators); if every attempt fails, the
// last transport or sense error is returned.
func (h *Host) waitReady(ctx context.Context, bbb *Transport) error {
	cdb := TestUnitReadyCDB().Bytes()
	var lastErr error
	for attempt := 0; attempt < h.cfg.TestUnitReadyRetries; attempt++ {
		res, err := bbb.Command(ctx, cdb[:6], 0)
		if err != nil {
			lastErr = err
			continue
		}
		if res.Status == CSWStatusPassed {
			return nil
		}
		lastErr = h.requestSense(ctx, bbb)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("msc: unit not ready after %d attempts", h.cfg.TestUnitReadyRetries)
	}
	return lastErr
}

// requestSense issues REQUEST SENSE and returns an error describing the
// sense key/ASC/ASCQ, added beyond the source's bare status check so a
// caller can see why the unit refused TEST UNIT READY.
func (h *Host) requestSense(ctx context.Context, bbb *Transport) error {
	cdb := RequestSenseCDB(18).Bytes()
	res, err := bbb.Command(ctx, cdb[:6], 18)
	if err != nil {
		return err
	}
	sd := ParseSenseData(res.Data)
	return fmt.Errorf("msc: sense key=%#x asc=%#x ascq=%#x", sd.SenseKey, sd.ASC, sd.ASCQ)
}

func (h *Host) readCapacity(ctx context.Context, bbb *Transport) error {
	cdb := ReadCapacity10CDB().Bytes()
	res, err := bbb.Command(ctx, cdb[:10], 8)
	if err != nil {
		return err
	}
	if res.Status != CSWStatusPassed {
		return h.requestSense(ctx, bbb)
	}
	blockCount, blockSize := ParseReadCapacity10(res.Data)
	h.BlockCount = blockCount
	h.BlockSize = blockSize
	return nil
}

// readBlocks issues one READ(10) for Config.BlocksPerRead blocks
// starting at lba.
func (h *Host) readBlocks(ctx context.Context, bbb *Transport, lba uint32) ([]byte, error) {
	blocks := uint16(h.cfg.BlocksPerRead)
	if blocks == 0 {
		blocks = 1
	}
	cdb := Read10CDB(lba, blocks).Bytes()
	res, err := bbb.Command(ctx, cdb[:10], uint32(blocks)*h.BlockSize)
	if err != nil {
		return nil, err
	}
	if res.Status != CSWStatusPassed {
		return nil, h.requestSense(ctx, bbb)
	}
	return res.Data, nil
}
