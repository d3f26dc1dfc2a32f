// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbh

import "context"

// Speed identifies a negotiated (or requested) USB bus speed, and also
// the PHY xcvr_select line since both share the same FULL/HIGH/LOW
// vocabulary in host mode.
type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedFull
	SpeedHigh
	SpeedLow
)

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedLow:
		return "low"
	default:
		return "unknown"
	}
}

// LineState is a sampled D+/D- differential line state, as reported by
// the PHY's line_state output.
type LineState int

const (
	LineSE0 LineState = iota // both lines low: reset, disconnect, EOP
	LineJ                    // idle state at the negotiated speed
	LineK                    // the complement of J; used for resume/chirp
	LineSE1                  // both lines high: illegal, treated as an error
)

func (l LineState) String() string {
	switch l {
	case LineSE0:
		return "SE0"
	case LineJ:
		return "J"
	case LineK:
		return "K"
	case LineSE1:
		return "SE1"
	default:
		return "?"
	}
}

// OpMode mirrors the ULPI/UTMI op_mode control line, selecting how the
// PHY encodes and drives whatever bytes are written to it.
type OpMode int

const (
	OpNormal     OpMode = iota // NRZI + bit-stuffed packet data
	OpNonDriving               // lines released, used while sampling
	OpRawDrive                 // drive raw J/K without encoding (reset, disconnect detect)
	OpChirp                    // drive the raw chirp K/J byte pattern during HS handshake
)

// TermSelect mirrors the ULPI term_select control line.
type TermSelect int

const (
	TermLSFSNormal TermSelect = iota // full/low speed termination, idle is J
	TermHSNormal                     // high-speed termination enabled
	TermHSChirp                      // high-speed termination, chirp in progress
)

// PHY is the edge this stack drives and samples. It models the transceiver
// as a byte-oriented, flow-controlled channel rather than a bit-level NRZI
// line, matching the level of abstraction the rest of this package (token
// generation, SIE, reset controller) is written against. A real board
// bridges this interface over a UART/pty link (see transport/serial); a
// test or demo bridges it with two in-memory byte channels and a fake
// device (see transport/sim).
//
// D-/D+ pulldowns are permanently asserted by any PHY implementation while
// operating in host mode; there is no method for it because it is never
// toggled at runtime.
type PHY interface {
	// TxByte sends one encoded byte onto the bus, blocking until the PHY
	// has accepted it (the valid/ready handshake of the source protocol).
	// Returns ctx.Err() if ctx is done first.
	TxByte(ctx context.Context, b byte) error

	// RxByte blocks until the PHY has a received byte available, or ctx
	// is done. ok is false if ctx expired before a byte arrived; this is
	// the mechanism used to implement rxa-window/handshake timeouts.
	RxByte(ctx context.Context) (b byte, ok bool, err error)

	// LineState samples the current D+/D- differential state.
	LineState() LineState

	// SetMode configures the PHY's operating mode, transceiver speed
	// select and line termination. Implementations apply this
	// immediately and synchronously; it is never called concurrently
	// with TxByte/RxByte by this package's state machines.
	SetMode(op OpMode, xcvr Speed, term TermSelect)
}
