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
	"context"
	"fmt"
)

// EnumerationConfig parameterizes the values the 5-step script fills
// in; everything else about the sequence is fixed.
type EnumerationConfig struct {
	DeviceAddress uint8 // default 0x12, matching the source's default
	ConfigNumber  uint8 // default 1
}

func DefaultEnumerationConfig() EnumerationConfig {
	return EnumerationConfig{DeviceAddress: 0x12, ConfigNumber: 1}
}

// Enumerator runs the 5-step control-transfer enumeration script and,
// once complete, hands the SIE's control surface to whichever class
// engine owns the *SIE next -- it issues no further transactions of its
// own after Enumerate returns successfully.
type Enumerator struct {
	cfg   *Config
	sie   *SIE
	sof   *SOFScheduler
	encfg EnumerationConfig

	MaxPacketSize    uint8
	DeviceAddress    uint8
	DeviceDescriptor DeviceDescriptor
	ConfigDescriptor ConfigurationDescriptor
	Enumerated       bool
}

func NewEnumerator(cfg *Config, sie *SIE, sof *SOFScheduler, encfg EnumerationConfig) *Enumerator {
	return &Enumerator{cfg: cfg, sie: sie, sof: sof, encfg: encfg}
}

// Enumerate runs the full script: GET_DESCRIPTOR(DEVICE,8) at address 0,
// SET_ADDRESS, GET_DESCRIPTOR(DEVICE,18), GET_DESCRIPTOR(CONFIGURATION,
// 512) streamed to parser, SET_CONFIGURATION. parser may be nil if the
// caller does not need endpoint extraction (rare; class engines always
// supply one).
func (e *Enumerator) Enumerate(ctx context.Context, parser *DescriptorParser) error {
	if err := e.waitFrameSettle(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEnumerationFailed, err)
	}

	// Step 1: GET_DESCRIPTOR(DEVICE, 8) at address 0.
	var first [8]byte
	n := 0
	err := e.controlTransferIn(ctx, 0, GetDescriptorSetup(DescDevice, 0, 0, 8), func(b byte) {
		if n < len(first) {
			first[n] = b
			n++
		}
	})
	if err != nil {
		return fmt.Errorf("%w: step1 get_descriptor(device,8): %v", ErrEnumerationFailed, err)
	}
	if n < 8 {
		return fmt.Errorf("%w: step1 short device descriptor header (%d bytes)", ErrEnumerationFailed, n)
	}
	e.MaxPacketSize = first[7]

	// Step 2: SET_ADDRESS at address 0.
	if err := e.controlTransferOut(ctx, 0, SetAddressSetup(e.encfg.DeviceAddress)); err != nil {
		return fmt.Errorf("%w: step2 set_address: %v", ErrEnumerationFailed, err)
	}
	e.DeviceAddress = e.encfg.DeviceAddress

	// Step 3: GET_DESCRIPTOR(DEVICE, 18) at the assigned address.
	var full [DeviceDescriptorLength]byte
	n = 0
	err = e.controlTransferIn(ctx, e.DeviceAddress, GetDescriptorSetup(DescDevice, 0, 0, DeviceDescriptorLength), func(b byte) {
		if n < len(full) {
			full[n] = b
			n++
		}
	})
	if err != nil {
		return fmt.Errorf("%w: step3 get_descriptor(device,18): %v", ErrEnumerationFailed, err)
	}
	if dd, derr := ParseDeviceDescriptor(full[:n]); derr == nil {
		e.DeviceDescriptor = dd
	}

	// Step 4: GET_DESCRIPTOR(CONFIGURATION, 512) at the assigned address,
	// streamed byte-for-byte into the parser (and the header captured).
	var hdr [ConfigurationDescriptorLength]byte
	hn := 0
	if parser != nil {
		parser.Enable()
	}
	err = e.controlTransferIn(ctx, e.DeviceAddress, GetDescriptorSetup(DescConfiguration, 0, 0, 512), func(b byte) {
		if hn < len(hdr) {
			hdr[hn] = b
			hn++
		}
		if parser != nil {
			parser.PushByte(b)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: step4 get_descriptor(configuration,512): %v", ErrEnumerationFailed, err)
	}
	if hn >= ConfigurationDescriptorLength {
		if cd, cerr := ParseConfigurationDescriptor(hdr[:hn]); cerr == nil {
			e.ConfigDescriptor = cd
		}
	}

	// Step 5: SET_CONFIGURATION at the assigned address.
	if err := e.controlTransferOut(ctx, e.DeviceAddress, SetConfigurationSetup(e.encfg.ConfigNumber)); err != nil {
		return fmt.Errorf("%w: step5 set_configuration: %v", ErrEnumerationFailed, err)
	}

	e.Enumerated = true
	return nil
}

// waitFrameSettle waits until the low bits of the SOF frame counter
// covering Config.EnumerationSettleFrames are all set, giving a flaky
// device at least one settling interval after bus reset before
// enumeration begins. EnumerationSettleFrames must be a power of two;
// DefaultConfig uses 64 (low 6 bits all 1).
func (e *Enumerator) waitFrameSettle(ctx context.Context) error {
	mask := uint16(e.cfg.EnumerationSettleFrames-1) & 0x7FF
	for {
		if e.sof.Frame()&mask == mask {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// setupPhase runs the SETUP sub-phase (load setup bytes, SETUP token,
// wait for ACK), making at most Config.SetupRetries attempts in total
// while the device answers NAK/TIMEOUT before giving up with that error.
func (e *Enumerator) setupPhase(ctx context.Context, devAddr uint8, setup SetupData) error {
	payload := setup.Bytes()
	var lastErr error
	for attempt := 0; attempt < e.cfg.SetupRetries; attempt++ {
		res, err := e.sie.Execute(ctx, TransferDescriptor{
			Type:    TransferSetup,
			DataPID: DATA0,
			DevAddr: devAddr,
			EPAddr:  0,
		}, payload, 0)
		if err != nil {
			return err
		}
		switch res.Response {
		case RespACK:
			return nil
		case RespNAK, RespTimeout:
			lastErr = res.Response.Err()
			continue
		default:
			if err := res.Response.Err(); err != nil {
				return err
			}
			return nil
		}
	}
	if lastErr == nil {
		lastErr = ErrTimeout
	}
	return lastErr
}

// controlTransferIn runs a full control transfer whose data stage, if
// any (setup.Length > 0), is IN: SETUP, then repeated IN tokens on EP0
// (each received byte handed to onByte) until a short packet or
// setup.Length bytes have arrived, then an OUT ZLP status stage.
//
// Per the preserved open question, the IN data stage always uses
// DATA1 and this procedure never toggles it across packets -- this
// matches the source enumerator exactly.
func (e *Enumerator) controlTransferIn(ctx context.Context, devAddr uint8, setup SetupData, onByte func(b byte)) error {
	if err := e.setupPhase(ctx, devAddr, setup); err != nil {
		return err
	}

	if setup.Length > 0 {
		received := 0
		maxPkt := int(e.MaxPacketSize)
		if maxPkt == 0 {
			maxPkt = 8
		}
		for received < int(setup.Length) {
			res, err := e.sie.Execute(ctx, TransferDescriptor{
				Type:    TransferIn,
				DataPID: DATA1,
				DevAddr: devAddr,
				EPAddr:  0,
			}, nil, int(setup.Length)-received)
			if err != nil {
				return err
			}
			switch res.Response {
			case RespNAK:
				continue
			case RespACK:
				for _, b := range res.Data {
					onByte(b)
				}
				received += len(res.Data)
				if len(res.Data) < maxPkt {
					goto status
				}
			default:
				if respErr := res.Response.Err(); respErr != nil {
					return respErr
				}
				return ErrTimeout
			}
		}
	}

status:
	return e.statusPhaseOut(ctx, devAddr)
}

// controlTransferOut runs a no-data-stage OUT control transfer: SETUP
// then an IN ZLP status stage.
func (e *Enumerator) controlTransferOut(ctx context.Context, devAddr uint8, setup SetupData) error {
	if err := e.setupPhase(ctx, devAddr, setup); err != nil {
		return err
	}
	return e.statusPhaseIn(ctx, devAddr)
}

// statusPhaseOut sends a zero-length OUT packet (DATA1) and waits for
// the device's ACK. A TIMEOUT here is a hard error per the source's
// retry policy: it is returned as ErrTimeout, with no retry.
func (e *Enumerator) statusPhaseOut(ctx context.Context, devAddr uint8) error {
	res, err := e.sie.Execute(ctx, TransferDescriptor{
		Type:    TransferOut,
		DataPID: DATA1,
		DevAddr: devAddr,
		EPAddr:  0,
	}, nil, 0)
	if err != nil {
		return err
	}
	if res.Response == RespNAK {
		return e.statusPhaseOut(ctx, devAddr)
	}
	return res.Response.Err()
}

// statusPhaseIn issues IN tokens (DATA1) until the device ACKs the
// zero-length status packet.
func (e *Enumerator) statusPhaseIn(ctx context.Context, devAddr uint8) error {
	for {
		res, err := e.sie.Execute(ctx, TransferDescriptor{
			Type:    TransferIn,
			DataPID: DATA1,
			DevAddr: devAddr,
			EPAddr:  0,
		}, nil, 0)
		if err != nil {
			return err
		}
		switch res.Response {
		case RespNAK:
			continue
		default:
			return res.Response.Err()
		}
	}
}
