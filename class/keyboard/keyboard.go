// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package keyboard implements the USB HID boot-protocol keyboard host
// class engine: after enumeration it polls the device's interrupt IN
// endpoint once per frame and emits assembled 8-byte reports.
package keyboard

import (
	"context"
	"fmt"
	"time"

	"github.com/apfaudio/guh/usbh"
)

// HID class/subclass/protocol values this engine filters the
// configuration descriptor for (USB HID 1.11, §4.2/§4.3).
const (
	classHID          = 0x03
	subclassBootIface = 0x01
	protocolKeyboard  = 0x01
)

// ReportSize is the fixed HID boot keyboard report length.
const ReportSize = 8

// framePollInterval bounds how often Run re-checks whether the SOF
// frame has advanced while waiting to issue the next poll.
const framePollInterval = 10 * time.Microsecond

// Modifiers decodes the report's first byte.
type Modifiers uint8

func (m Modifiers) LeftCtrl() bool   { return m&0x01 != 0 }
func (m Modifiers) LeftShift() bool  { return m&0x02 != 0 }
func (m Modifiers) LeftAlt() bool    { return m&0x04 != 0 }
func (m Modifiers) LeftGUI() bool    { return m&0x08 != 0 }
func (m Modifiers) RightCtrl() bool  { return m&0x10 != 0 }
func (m Modifiers) RightShift() bool { return m&0x20 != 0 }
func (m Modifiers) RightAlt() bool   { return m&0x40 != 0 }
func (m Modifiers) RightGUI() bool   { return m&0x80 != 0 }

// Report is a HID boot-protocol keyboard report.
type Report struct {
	Modifiers Modifiers
	Reserved  uint8
	Keys      [6]uint8 // key0..key5
}

func decodeReport(b [ReportSize]byte) Report {
	return Report{
		Modifiers: Modifiers(b[0]),
		Reserved:  b[1],
		Keys:      [6]uint8{b[2], b[3], b[4], b[5], b[6], b[7]},
	}
}

// Host is a USB HID boot-protocol keyboard host engine.
type Host struct {
	cfg *usbh.Config
	sie *usbh.SIE
	sof *usbh.SOFScheduler

	Reports chan Report
}

// New constructs a keyboard host engine. cfg, sie and sof must already
// be wired to a PHY whose bus has completed reset/speed negotiation.
func New(cfg *usbh.Config, sie *usbh.SIE, sof *usbh.SOFScheduler) *Host {
	return &Host{cfg: cfg, sie: sie, sof: sof, Reports: make(chan Report)}
}

// Run enumerates the device as a HID boot keyboard and polls its
// interrupt IN endpoint until ctx is canceled or the watchdog expires.
// On each assembled report it sends to h.Reports (blocking until the
// consumer accepts it, matching the source's EMIT-REPORT stream
// semantics).
func (h *Host) Run(ctx context.Context) error {
	subclass := uint8(subclassBootIface)
	protocol := uint8(protocolKeyboard)
	parser := usbh.NewDescriptorParser(usbh.FilterIn, usbh.EPInterrupt, usbh.InterfaceMatch{
		Class:    classHID,
		SubClass: &subclass,
		Protocol: &protocol,
	})

	enum := usbh.NewEnumerator(h.cfg, h.sie, h.sof, usbh.DefaultEnumerationConfig())
	if err := enum.Enumerate(ctx, parser); err != nil {
		return err
	}
	if !parser.Result.FoundIn {
		return fmt.Errorf("keyboard: no interrupt IN endpoint on HID boot keyboard interface")
	}

	epAddr := parser.Result.InEndpoint & 0x0F
	devAddr := enum.DeviceAddress

	pid := usbh.DATA0
	lastResponse := time.Now()
	lastPolledFrame := h.sof.Frame()
	var rx [ReportSize]byte
	rxN := 0

	for {
		if time.Since(lastResponse) >= h.cfg.KeyboardWatchdog {
			return usbh.ErrWatchdogExpired
		}
		if h.sie.Disconnected() {
			return usbh.ErrNoDevice
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Poll once per SOF frame, matching the source engine's
		// sof_frame != l_sof_frame gate, rather than every microframe.
		if frame := h.sof.Frame(); frame == lastPolledFrame {
			time.Sleep(framePollInterval)
			continue
		} else {
			lastPolledFrame = frame
		}

		res, err := h.sie.Execute(ctx, usbh.TransferDescriptor{
			Type:    usbh.TransferIn,
			DataPID: pid,
			DevAddr: devAddr,
			EPAddr:  epAddr,
		}, nil, ReportSize)
		if err != nil {
			return err
		}

		switch res.Response {
		case usbh.RespACK:
			lastResponse = time.Now()
			pid = pid.Toggle()
			rxN = copy(rx[:], res.Data)
			if rxN >= ReportSize {
				select {
				case h.Reports <- decodeReport(rx):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case usbh.RespNAK:
			lastResponse = time.Now()
		case usbh.RespSTALL:
			// let the watchdog handle recovery, matching the source engine
		}
	}
}
