// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package serial bridges usbh.PHY over a real serial link using
// github.com/daedaluz/goserial, for running this stack against a board
// that exposes a USB transceiver's byte stream and line-state over a
// UART. It defines a small framing protocol on top of the raw byte
// stream (data bytes, SetMode commands, LineState reports) since a
// plain UART carries no out-of-band control signal the way a PHY's
// dedicated op_mode/line_state pins would.
//
// This bridge is a debugging/bring-up aid, not a timing-exact
// transport: a PC-side UART cannot meet the tens-of-microseconds
// resolution usbh's reset and SOF scheduling assume at real USB
// speeds. It is meant to pair with permissive peripheral firmware, not
// to replace transport/sim's cycle-accurate-enough simulation in tests.
package serial

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	goserial "github.com/daedaluz/goserial"

	"github.com/apfaudio/guh/usbh"
)

// Frame types for the data/SetMode/LineState protocol multiplexed over
// the serial link. Each frame is [type byte][length byte][payload].
const (
	frameData          = 0x01
	frameSetMode       = 0x02
	frameLineStateReq  = 0x03
	frameLineStateResp = 0x04
)

// linePollInterval is how often the bridge asks the remote end for its
// current line state. Millisecond-scale, not microsecond-scale: see the
// package doc's timing caveat.
const linePollInterval = 2 * time.Millisecond

// PHY implements usbh.PHY over an open serial port.
type PHY struct {
	port *goserial.Port

	writeMu sync.Mutex

	rx     chan byte
	errCh  chan error
	doneCh chan struct{}

	lineMu sync.Mutex
	line   usbh.LineState
}

// Dial opens path (e.g. "/dev/ttyUSB0") with goserial's default options
// and returns a PHY bridging it.
func Dial(path string) (*PHY, error) {
	port, err := goserial.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}
	return New(port), nil
}

// New wraps an already-open serial port.
func New(port *goserial.Port) *PHY {
	p := &PHY{
		port:   port,
		rx:     make(chan byte, 4096),
		errCh:  make(chan error, 1),
		doneCh: make(chan struct{}),
	}
	go p.readLoop()
	go p.linePollLoop()
	return p
}

// Close releases the underlying serial port and stops the bridge's
// background goroutines.
func (p *PHY) Close() error {
	close(p.doneCh)
	return p.port.Close()
}

func (p *PHY) writeFrame(typ byte, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	buf := make([]byte, 2+len(payload))
	buf[0] = typ
	buf[1] = byte(len(payload))
	copy(buf[2:], payload)
	_, err := p.port.Write(buf)
	return err
}

func (p *PHY) readFull(buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := p.port.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// readLoop demultiplexes frames off the wire until the port errors or
// Close is called.
func (p *PHY) readLoop() {
	header := make([]byte, 2)
	for {
		if err := p.readFull(header); err != nil {
			select {
			case p.errCh <- err:
			default:
			}
			return
		}
		payload := make([]byte, header[1])
		if len(payload) > 0 {
			if err := p.readFull(payload); err != nil {
				select {
				case p.errCh <- err:
				default:
				}
				return
			}
		}
		switch header[0] {
		case frameData:
			for _, b := range payload {
				select {
				case p.rx <- b:
				case <-p.doneCh:
					return
				}
			}
		case frameLineStateResp:
			if len(payload) > 0 {
				p.lineMu.Lock()
				p.line = usbh.LineState(payload[0])
				p.lineMu.Unlock()
			}
		default:
			log.Printf("transport/serial: unexpected frame type %#x (%d bytes)", header[0], len(payload))
		}
	}
}

func (p *PHY) linePollLoop() {
	ticker := time.NewTicker(linePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.doneCh:
			return
		case <-ticker.C:
			if err := p.writeFrame(frameLineStateReq, nil); err != nil {
				return
			}
		}
	}
}

// TxByte implements usbh.PHY.
func (p *PHY) TxByte(ctx context.Context, b byte) error {
	errCh := make(chan error, 1)
	go func() { errCh <- p.writeFrame(frameData, []byte{b}) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RxByte implements usbh.PHY.
func (p *PHY) RxByte(ctx context.Context) (byte, bool, error) {
	select {
	case b := <-p.rx:
		return b, true, nil
	case err := <-p.errCh:
		return 0, false, err
	case <-ctx.Done():
		return 0, false, nil
	}
}

// LineState implements usbh.PHY, returning the most recent line-state
// report from the remote end (see linePollLoop).
func (p *PHY) LineState() usbh.LineState {
	p.lineMu.Lock()
	defer p.lineMu.Unlock()
	return p.line
}

// SetMode implements usbh.PHY, relaying the mode change to the remote
// end. Best-effort: a write failure is logged, not returned, since the
// interface has no error return here.
func (p *PHY) SetMode(op usbh.OpMode, xcvr usbh.Speed, term usbh.TermSelect) {
	if err := p.writeFrame(frameSetMode, []byte{byte(op), byte(xcvr), byte(term)}); err != nil {
		log.Printf("transport/serial: SetMode: %v", err)
	}
}
