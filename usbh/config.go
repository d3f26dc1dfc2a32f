// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbh implements a USB 2.0 host controller stack: bus reset and
// speed detection, the Serial Interface Engine (SIE) transaction engine,
// the control-transfer enumerator, and the configuration descriptor
// parser. Class drivers (HID keyboard, USB-MIDI, USB Mass Storage) live
// under the sibling class/ packages and are built on top of the SIE
// surface exposed here.
package usbh

import "time"

// Config holds the timing constants that drive bus reset, chirp
// negotiation, SOF scheduling and inter-packet delays. The zero value is
// not valid; use DefaultConfig or SimulationConfig.
//
// All constants are expressed in real time rather than PHY clock cycles
// (the source this stack is modeled on runs these state machines at a
// fixed 60MHz). Simulation and test code scales every duration down by
// 2-3 orders of magnitude via SimulationConfig so that an end-to-end
// enumeration does not take tens of milliseconds of wall-clock time per
// test case.
type Config struct {
	// Reset controller timings (spec ref: reset sequencer state table).
	ConnectSettleTime   time.Duration // WAIT-CONNECT settle time before BUS-RESET
	MaxResetTime        time.Duration // BUS-RESET -> IDLE-FS/IDLE-HS ceiling
	MinResetBeforeChirp time.Duration // BUS-RESET minimum time before chirp K is honored
	ChirpFilterTime     time.Duration // device chirp K must be held this long to count
	ChirpDuration       time.Duration // duration of each host chirp K/J pulse

	// SOF scheduler.
	SOFPeriodFull time.Duration // 1ms
	SOFPeriodHigh time.Duration // 125us

	// txa/rxa windows, relative to the previous SOF emission.
	TxToTxMinFull time.Duration
	TxToTxMaxFull time.Duration
	TxToRxMaxFull time.Duration
	TxToTxMinHigh time.Duration
	TxToTxMaxHigh time.Duration
	TxToRxMaxHigh time.Duration

	// Token generator inter-packet timing.
	TokenCompleteDelayFull time.Duration // ~200 cycles @ 60MHz
	TokenCompleteDelayHigh time.Duration // ~20 cycles @ 60MHz

	// SIE inter-packet delay (IPD_DRAIN_TX).
	InterPacketDelayFull time.Duration // 1000 cycles @ 60MHz
	InterPacketDelayHigh time.Duration // 100 cycles @ 60MHz

	// Enumeration settling and retry policy.
	EnumerationSettleFrames int // wait for low 6 bits of SOF frame to be all 1
	SetupRetries            int // §4.4 SETUP attempts on NAK/TIMEOUT before enumeration fails

	// Watchdogs.
	KeyboardWatchdog time.Duration // ~3s
	MIDIWatchdog     time.Duration // ~3s
	MSCWatchdog      time.Duration // ~10s

	TestUnitReadyRetries int // outer MSC TEST UNIT READY attempts before giving up
	BlocksPerRead        int // READ(10) blocks per user request, spec fixes this at 1
}

// DefaultConfig returns timing constants scaled for a 60MHz PHY clock
// domain, matching the source this package is modeled on.
func DefaultConfig() *Config {
	return &Config{
		ConnectSettleTime:   100 * time.Microsecond,
		MaxResetTime:        50 * time.Millisecond,
		MinResetBeforeChirp: 50 * time.Microsecond,
		ChirpFilterTime:     500 * time.Microsecond,
		ChirpDuration:       50 * time.Microsecond,

		SOFPeriodFull: 1 * time.Millisecond,
		SOFPeriodHigh: 125 * time.Microsecond,

		TxToTxMinFull: 200 * time.Microsecond,
		TxToTxMaxFull: 700 * time.Microsecond,
		TxToRxMaxFull: 900 * time.Microsecond,
		TxToTxMinHigh: 25 * time.Microsecond,
		TxToTxMaxHigh: 87 * time.Microsecond,
		TxToRxMaxHigh: 112 * time.Microsecond,

		TokenCompleteDelayFull: time.Duration(200*1000) * time.Nanosecond / 60,
		TokenCompleteDelayHigh: time.Duration(20*1000) * time.Nanosecond / 60,

		InterPacketDelayFull: time.Duration(1000*1000) * time.Nanosecond / 60,
		InterPacketDelayHigh: time.Duration(100*1000) * time.Nanosecond / 60,

		EnumerationSettleFrames: 64,
		SetupRetries:            3,

		KeyboardWatchdog: 3 * time.Second,
		MIDIWatchdog:     3 * time.Second,
		MSCWatchdog:      10 * time.Second,

		TestUnitReadyRetries: 10,
		BlocksPerRead:        1,
	}
}

// SimulationConfig returns DefaultConfig with its durations divided by
// 1000 and floored at 50us (MaxResetTime is divided by 100 instead),
// suitable for driving an in-process simulated device in tests without
// the real-world reset/enumeration timings dominating test run time.
func SimulationConfig() *Config {
	c := DefaultConfig()

	shrink := func(d time.Duration) time.Duration {
		scaled := d / 1000
		// Floor is well above Go scheduler jitter so that packet framing
		// (detected as an idle gap between bytes, see transport/sim) stays
		// reliable even when every timing constant is scaled down.
		if scaled < 50*time.Microsecond {
			return 50 * time.Microsecond
		}
		return scaled
	}

	c.ConnectSettleTime = shrink(c.ConnectSettleTime)
	// MaxResetTime bounds the whole chirp handshake, which itself is built
	// from ConnectSettleTime+MinResetBeforeChirp+ChirpFilterTime; shrink it
	// by a gentler factor so that ordering survives the floor above.
	c.MaxResetTime = c.MaxResetTime / 100
	c.MinResetBeforeChirp = shrink(c.MinResetBeforeChirp)
	c.ChirpFilterTime = shrink(c.ChirpFilterTime)
	c.ChirpDuration = shrink(c.ChirpDuration)

	c.SOFPeriodFull = shrink(c.SOFPeriodFull)
	c.SOFPeriodHigh = shrink(c.SOFPeriodHigh)

	c.TxToTxMinFull = shrink(c.TxToTxMinFull)
	c.TxToTxMaxFull = shrink(c.TxToTxMaxFull)
	c.TxToRxMaxFull = shrink(c.TxToRxMaxFull)
	c.TxToTxMinHigh = shrink(c.TxToTxMinHigh)
	c.TxToTxMaxHigh = shrink(c.TxToTxMaxHigh)
	c.TxToRxMaxHigh = shrink(c.TxToRxMaxHigh)

	c.TokenCompleteDelayFull = shrink(c.TokenCompleteDelayFull)
	c.TokenCompleteDelayHigh = shrink(c.TokenCompleteDelayHigh)

	c.InterPacketDelayFull = shrink(c.InterPacketDelayFull)
	c.InterPacketDelayHigh = shrink(c.InterPacketDelayHigh)

	c.KeyboardWatchdog = shrink(c.KeyboardWatchdog)
	c.MIDIWatchdog = shrink(c.MIDIWatchdog)
	c.MSCWatchdog = shrink(c.MSCWatchdog)

	return c
}

func (c *Config) sofPeriod(speed Speed) time.Duration {
	if speed == SpeedHigh {
		return c.SOFPeriodHigh
	}
	return c.SOFPeriodFull
}

func (c *Config) txToTxMin(speed Speed) time.Duration {
	if speed == SpeedHigh {
		return c.TxToTxMinHigh
	}
	return c.TxToTxMinFull
}

func (c *Config) txToTxMax(speed Speed) time.Duration {
	if speed == SpeedHigh {
		return c.TxToTxMaxHigh
	}
	return c.TxToTxMaxFull
}

func (c *Config) txToRxMax(speed Speed) time.Duration {
	if speed == SpeedHigh {
		return c.TxToRxMaxHigh
	}
	return c.TxToRxMaxFull
}

func (c *Config) tokenCompleteDelay(speed Speed) time.Duration {
	if speed == SpeedHigh {
		return c.TokenCompleteDelayHigh
	}
	return c.TokenCompleteDelayFull
}

func (c *Config) interPacketDelay(speed Speed) time.Duration {
	if speed == SpeedHigh {
		return c.InterPacketDelayHigh
	}
	return c.InterPacketDelayFull
}
