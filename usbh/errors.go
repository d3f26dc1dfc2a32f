// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbh

import "errors"

var (
	// ErrStall is returned when a device responds to a transaction with
	// a STALL handshake.
	ErrStall = errors.New("usbh: endpoint stalled")

	// ErrTimeout is returned when no response (data packet or handshake)
	// arrives within the rxa window.
	ErrTimeout = errors.New("usbh: transaction timeout")

	// ErrCRC is returned when a received data packet fails its CRC16,
	// or a device response carries an unexpected PID.
	ErrCRC = errors.New("usbh: CRC check failed")

	// ErrRxOverflow is returned when a device returns more data than the
	// requested wLength / buffer capacity.
	ErrRxOverflow = errors.New("usbh: receive buffer overflow")

	// ErrEnumerationFailed is returned by the enumerator when the
	// 5-step enumeration script cannot complete, wrapping the
	// underlying control-transfer error.
	ErrEnumerationFailed = errors.New("usbh: enumeration failed")

	// ErrWatchdogExpired is returned by class engines when their
	// configured watchdog duration elapses without a response from the
	// device.
	ErrWatchdogExpired = errors.New("usbh: device watchdog expired")

	// ErrNoDevice is returned by operations that require an enumerated
	// device when none is attached.
	ErrNoDevice = errors.New("usbh: no device attached")

	// ErrUnsupportedDescriptor is set by the descriptor parser when it
	// meets a malformed length field (bLength < 2), and returned by
	// ParseDeviceDescriptor/ParseConfigurationDescriptor for a short
	// buffer. A configuration with no matching interface is not an
	// error: the parser simply never reports Done.
	ErrUnsupportedDescriptor = errors.New("usbh: unsupported or malformed descriptor")

	// ErrBadSpeed is returned by the reset controller when ctx is
	// canceled before the bus reaches an idle state. A device that does
	// not chirp within Config.MaxResetTime is not an error: the bus
	// settles at full speed.
	ErrBadSpeed = errors.New("usbh: speed negotiation failed")
)
