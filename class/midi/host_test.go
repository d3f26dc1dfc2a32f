// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package midi_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apfaudio/guh/class/midi"
	"github.com/apfaudio/guh/transport/sim"
	"github.com/apfaudio/guh/usbh"
)

var midiDeviceDescriptor = []byte{
	18, usbh.DescDevice, 0x00, 0x02, 0, 0, 0, 64,
	0x34, 0x12, 0x79, 0x56, 0x00, 0x01, 0, 0, 0, 1,
}

var midiConfigDescriptor = []byte{
	9, usbh.DescConfiguration, 25, 0, 1, 1, 0, 0x80, 50,
	9, usbh.DescInterface, 0, 0, 1, 0x01, 0x03, 0x00, 0,
	7, usbh.DescEndpoint, 0x81, 0x02, 64, 0, 0,
}

func TestHostRunReceivesEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := usbh.SimulationConfig()
	dev, hostPHY := sim.NewDevice(cfg, midiDeviceDescriptor, midiConfigDescriptor, false)

	event := []byte{0x09, 0x90, 0x3C, 0x64}
	sent := false
	dev.SetINSource(func(uint8) ([]byte, bool) {
		if sent {
			return nil, false
		}
		sent = true
		return event, true
	})
	go dev.Run(ctx)

	reset := usbh.NewResetController(cfg, hostPHY, true)
	speed, err := reset.Run(ctx)
	require.NoError(t, err)

	sie, sof := usbh.NewBus(cfg, hostPHY, speed)
	go sof.Run(ctx, speed)

	host := midi.New(cfg, sie, sof)
	go host.Run(ctx)

	select {
	case ev := <-host.Events:
		require.EqualValues(t, event, ev[:])
	case <-ctx.Done():
		t.Fatal("timed out waiting for a MIDI event")
	}
}
