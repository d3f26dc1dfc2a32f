// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package midi implements the USB-MIDI host class engine: after
// enumeration it polls the device's bulk IN endpoint once per frame and
// reframes the byte stream into 4-byte USB-MIDI events.
package midi

import (
	"context"
	"fmt"
	"time"

	"github.com/apfaudio/guh/usbh"
)

// Audio/MIDIStreaming class/subclass/protocol values (USB Device Class
// Definition for MIDI Devices, v1.0; USB Audio Class 1.0).
const (
	classAudio            = 0x01
	subclassMIDIStreaming = 0x03
	protocolAudio10       = 0x00
)

// EventSize is the fixed USB-MIDI event size: Cable Number + Code Index
// Number byte, followed by up to 3 MIDI data bytes.
const EventSize = 4

// framePollInterval bounds how often Run re-checks whether the SOF
// frame has advanced while waiting to issue the next poll.
const framePollInterval = 10 * time.Microsecond

// Event is one USB-MIDI event as received from the device's bulk IN
// endpoint.
type Event [EventSize]byte

func (e Event) CableNumber() uint8 { return e[0] >> 4 }
func (e Event) CodeIndex() uint8   { return e[0] & 0x0F }

// Host is a USB-MIDI host engine.
type Host struct {
	cfg *usbh.Config
	sie *usbh.SIE
	sof *usbh.SOFScheduler

	Events chan Event
}

func New(cfg *usbh.Config, sie *usbh.SIE, sof *usbh.SOFScheduler) *Host {
	return &Host{cfg: cfg, sie: sie, sof: sof, Events: make(chan Event, 16)}
}

// Run enumerates the device as a USB-MIDI streaming interface and
// polls its bulk IN endpoint until ctx is canceled or the watchdog
// expires, reframing every 4 received bytes into an Event.
func (h *Host) Run(ctx context.Context) error {
	subclass := uint8(subclassMIDIStreaming)
	protocol := uint8(protocolAudio10)
	parser := usbh.NewDescriptorParser(usbh.FilterIn, usbh.EPBulk, usbh.InterfaceMatch{
		Class:    classAudio,
		SubClass: &subclass,
		Protocol: &protocol,
	})

	enum := usbh.NewEnumerator(h.cfg, h.sie, h.sof, usbh.DefaultEnumerationConfig())
	if err := enum.Enumerate(ctx, parser); err != nil {
		return err
	}
	if !parser.Result.FoundIn {
		return fmt.Errorf("midi: no bulk IN endpoint on MIDIStreaming interface")
	}

	epAddr := parser.Result.InEndpoint & 0x0F
	devAddr := enum.DeviceAddress

	pid := usbh.DATA0
	lastResponse := time.Now()
	lastPolledFrame := h.sof.Frame()
	var event Event
	idx := 0

	emit := func(b byte) {
		event[idx] = b
		idx++
		if idx == EventSize {
			select {
			case h.Events <- event:
			case <-ctx.Done():
			}
			idx = 0
		}
	}

	for {
		if time.Since(lastResponse) >= h.cfg.MIDIWatchdog {
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
		}, nil, 64)
		if err != nil {
			return err
		}

		switch res.Response {
		case usbh.RespACK:
			lastResponse = time.Now()
			pid = pid.Toggle()
			for _, b := range res.Data {
				emit(b)
			}
		case usbh.RespNAK:
			lastResponse = time.Now()
		case usbh.RespSTALL:
			// let the watchdog handle recovery, matching the source engine
		}
	}
}
