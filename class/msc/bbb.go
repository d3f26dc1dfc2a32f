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
	"encoding/binary"
	"fmt"

	"github.com/apfaudio/guh/usbh"
)

// Bulk-Only Transport constants (USB Mass Storage Class Bulk-Only
// Transport, Revision 1.0).
const (
	CBWSignature = 0x43425355
	CSWSignature = 0x53425355

	CBWLength = 31
	CSWLength = 13

	CSWStatusPassed     = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02

	cbwFlagDataIn = 0x80
)

// CBW is the 31-byte Command Block Wrapper sent OUT before every SCSI
// command.
type CBW struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	Length             uint8
	CommandBlock       [16]byte
}

// Bytes encodes the CBW in wire order (little-endian).
func (c CBW) Bytes() []byte {
	b := make([]byte, CBWLength)
	binary.LittleEndian.PutUint32(b[0:4], c.Signature)
	binary.LittleEndian.PutUint32(b[4:8], c.Tag)
	binary.LittleEndian.PutUint32(b[8:12], c.DataTransferLength)
	b[12] = c.Flags
	b[13] = c.LUN
	b[14] = c.Length
	copy(b[15:31], c.CommandBlock[:])
	return b
}

// CSW is the 13-byte Command Status Wrapper received IN after every
// SCSI command's data phase (if any).
type CSW struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// ParseCSW decodes and validates a 13-byte CSW.
func ParseCSW(b []byte) (CSW, error) {
	if len(b) < CSWLength {
		return CSW{}, fmt.Errorf("msc: short CSW (%d bytes)", len(b))
	}
	csw := CSW{
		Signature:   binary.LittleEndian.Uint32(b[0:4]),
		Tag:         binary.LittleEndian.Uint32(b[4:8]),
		DataResidue: binary.LittleEndian.Uint32(b[8:12]),
		Status:      b[12],
	}
	if csw.Signature != CSWSignature {
		return csw, fmt.Errorf("msc: bad CSW signature %#08x", csw.Signature)
	}
	return csw, nil
}

// Transport drives one bulk endpoint pair using the Bulk-Only Transport
// protocol: CBW-LOAD -> CBW-XFER -> optional data phase -> CSW-RX,
// exactly as one SCSI command.
type Transport struct {
	cfg     *usbh.Config
	sie     *usbh.SIE
	devAddr uint8
	inEP    uint8
	outEP   uint8

	tag    uint32
	outPID usbh.DataPID
	inPID  usbh.DataPID
}

func NewTransport(cfg *usbh.Config, sie *usbh.SIE, devAddr, inEP, outEP uint8) *Transport {
	return &Transport{
		cfg: cfg, sie: sie, devAddr: devAddr, inEP: inEP, outEP: outEP,
		tag: 1, outPID: usbh.DATA0, inPID: usbh.DATA0,
	}
}

// CommandResult is the outcome of one Bulk-Only Transport command.
type CommandResult struct {
	Status  uint8
	Residue uint32
	Data    []byte
}

// Command runs one full CBW/data/CSW transaction. dataLen is the
// number of bytes expected in the (IN-only, for this engine) data
// phase; pass 0 for commands with no data phase (e.g. TEST UNIT READY).
func (t *Transport) Command(ctx context.Context, cdb []byte, dataLen uint32) (CommandResult, error) {
	var cb [16]byte
	copy(cb[:], cdb)

	flags := uint8(0)
	if dataLen > 0 {
		flags = cbwFlagDataIn
	}

	cbw := CBW{
		Signature:          CBWSignature,
		Tag:                t.tag,
		DataTransferLength: dataLen,
		Flags:              flags,
		LUN:                0,
		Length:             uint8(len(cdb)),
		CommandBlock:       cb,
	}

	if err := t.cbwTransfer(ctx, cbw); err != nil {
		return CommandResult{}, err
	}

	var data []byte
	if dataLen > 0 {
		var err error
		data, err = t.dataInPhase(ctx, dataLen)
		if err != nil {
			return CommandResult{}, err
		}
	}

	csw, err := t.cswPhase(ctx)
	if err != nil {
		return CommandResult{}, err
	}

	t.tag++
	return CommandResult{Status: csw.Status, Residue: csw.DataResidue, Data: data}, nil
}

func (t *Transport) cbwTransfer(ctx context.Context, cbw CBW) error {
	payload := cbw.Bytes()
	for {
		res, err := t.sie.Execute(ctx, usbh.TransferDescriptor{
			Type:    usbh.TransferOut,
			DataPID: t.outPID,
			DevAddr: t.devAddr,
			EPAddr:  t.outEP,
		}, payload, 0)
		if err != nil {
			return err
		}
		switch res.Response {
		case usbh.RespACK:
			t.outPID = t.outPID.Toggle()
			return nil
		case usbh.RespNAK:
			continue
		default:
			if respErr := res.Response.Err(); respErr != nil {
				return respErr
			}
			return usbh.ErrTimeout
		}
	}
}

func (t *Transport) dataInPhase(ctx context.Context, dataLen uint32) ([]byte, error) {
	data := make([]byte, 0, dataLen)
	for uint32(len(data)) < dataLen {
		res, err := t.sie.Execute(ctx, usbh.TransferDescriptor{
			Type:    usbh.TransferIn,
			DataPID: t.inPID,
			DevAddr: t.devAddr,
			EPAddr:  t.inEP,
		}, nil, int(dataLen)-len(data))
		if err != nil {
			return nil, err
		}
		switch res.Response {
		case usbh.RespACK:
			t.inPID = t.inPID.Toggle()
			data = append(data, res.Data...)
		case usbh.RespNAK:
			continue
		default:
			if respErr := res.Response.Err(); respErr != nil {
				return nil, respErr
			}
			return nil, usbh.ErrTimeout
		}
	}
	return data, nil
}

func (t *Transport) cswPhase(ctx context.Context) (CSW, error) {
	for {
		res, err := t.sie.Execute(ctx, usbh.TransferDescriptor{
			Type:    usbh.TransferIn,
			DataPID: t.inPID,
			DevAddr: t.devAddr,
			EPAddr:  t.inEP,
		}, nil, CSWLength)
		if err != nil {
			return CSW{}, err
		}
		switch res.Response {
		case usbh.RespACK:
			t.inPID = t.inPID.Toggle()
			return ParseCSW(res.Data)
		case usbh.RespNAK:
			continue
		default:
			if respErr := res.Response.Err(); respErr != nil {
				return CSW{}, respErr
			}
			return CSW{}, usbh.ErrTimeout
		}
	}
}
