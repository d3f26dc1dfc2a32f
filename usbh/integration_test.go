// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbh_test exercises bus reset, enumeration and a class-style
// interrupt IN poll end to end against transport/sim's fake device,
// grounded on original_source/tests/test_integration.py's
// connect_utmi/enumerate-then-poll shape.
package usbh_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apfaudio/guh/transport/sim"
	"github.com/apfaudio/guh/usbh"
)

var testDeviceDescriptor = []byte{
	18, usbh.DescDevice,
	0x00, 0x02,
	0, 0, 0,
	8,
	0x34, 0x12,
	0x78, 0x56,
	0x00, 0x01,
	0, 0, 0,
	1,
}

var testConfigDescriptor = []byte{
	9, usbh.DescConfiguration, 25, 0, 1, 1, 0, 0x80, 50,
	9, usbh.DescInterface, 0, 0, 1, 0x03, 0x01, 0x01, 0,
	7, usbh.DescEndpoint, 0x81, 0x03, 8, 0, 10,
}

func TestResetAndEnumerateFullSpeed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := usbh.SimulationConfig()
	dev, hostPHY := sim.NewDevice(cfg, testDeviceDescriptor, testConfigDescriptor, false)
	go dev.Run(ctx)

	reset := usbh.NewResetController(cfg, hostPHY, true)
	speed, err := reset.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, usbh.SpeedFull, speed)

	sie, sof := usbh.NewBus(cfg, hostPHY, speed)
	go sof.Run(ctx, speed)

	parser := usbh.NewDescriptorParser(usbh.FilterIn, usbh.EPInterrupt, usbh.InterfaceMatch{Class: 0x03})
	enum := usbh.NewEnumerator(cfg, sie, sof, usbh.DefaultEnumerationConfig())
	err = enum.Enumerate(ctx, parser)
	require.NoError(t, err)

	require.True(t, parser.Result.FoundIn)
	require.Equal(t, uint8(0x81), parser.Result.InEndpoint)
	require.NotZero(t, enum.DeviceAddress)
}

func TestResetNegotiatesHighSpeed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := usbh.SimulationConfig()
	dev, hostPHY := sim.NewDevice(cfg, testDeviceDescriptor, testConfigDescriptor, true)
	go dev.Run(ctx)

	reset := usbh.NewResetController(cfg, hostPHY, false)
	speed, err := reset.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, usbh.SpeedHigh, speed)
}

func TestEnumerationThenInterruptPoll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := usbh.SimulationConfig()
	dev, hostPHY := sim.NewDevice(cfg, testDeviceDescriptor, testConfigDescriptor, false)

	report := []byte{0, 0, 0x0B, 0, 0, 0, 0, 0}
	sent := false
	dev.SetINSource(func(uint8) ([]byte, bool) {
		if sent {
			return nil, false
		}
		sent = true
		return report, true
	})
	go dev.Run(ctx)

	reset := usbh.NewResetController(cfg, hostPHY, true)
	speed, err := reset.Run(ctx)
	require.NoError(t, err)

	sie, sof := usbh.NewBus(cfg, hostPHY, speed)
	go sof.Run(ctx, speed)

	parser := usbh.NewDescriptorParser(usbh.FilterIn, usbh.EPInterrupt, usbh.InterfaceMatch{Class: 0x03})
	enum := usbh.NewEnumerator(cfg, sie, sof, usbh.DefaultEnumerationConfig())
	require.NoError(t, enum.Enumerate(ctx, parser))

	require.Eventually(t, func() bool {
		td := usbh.TransferDescriptor{
			Type:    usbh.TransferIn,
			DataPID: usbh.DATA0,
			DevAddr: enum.DeviceAddress,
			EPAddr:  parser.Result.InEndpoint & 0x0F,
		}
		require.NoError(t, sof.WaitTxAllowed(ctx))
		res, err := sie.Execute(ctx, td, nil, len(report))
		if err != nil || res.Response != usbh.RespACK {
			return false
		}
		return len(res.Data) == len(report) && res.Data[2] == report[2]
	}, time.Second, 5*time.Millisecond)
}
