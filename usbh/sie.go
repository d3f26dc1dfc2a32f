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
	"sync"
	"time"
)

// sieState names the phases of one transaction, matching the source's
// DRAIN_RX -> WAIT_TXA -> SEND_TOKEN -> WAIT_TOKEN_COMPLETE -> (data
// phase) -> WAIT_HANDSHAKE -> IPD_DRAIN_TX -> IDLE pipeline.
type sieState int

const (
	sieIdle sieState = iota
	sieDrainRx
	sieWaitTXA
	sieSendToken
	sieWaitTokenComplete
	sieDataPhase
	sieWaitHandshake
	sieDrainTX
)

// SIE is the Serial Interface Engine: it executes exactly one USB
// transaction at a time (token, optional data phase, handshake,
// inter-packet delay), multiplexing its own token stream against the
// SOF scheduler's. There is a single owner of the control surface at
// any time -- the enumerator until enumeration completes, then the
// class engine -- enforced simply by only ever handing out one *SIE to
// one goroutine caller at a time via the mu lock.
type SIE struct {
	cfg   *Config
	phy   PHY
	sof   *SOFScheduler
	tg    TokenGenerator
	speed Speed

	mu sync.Mutex

	rxBuf [1024]byte
}

func NewSIE(cfg *Config, phy PHY, sof *SOFScheduler, speed Speed) *SIE {
	return &SIE{cfg: cfg, phy: phy, sof: sof, speed: speed}
}

// Disconnected reports whether the PHY currently samples SE0, the line
// state a real bus settles to on physical disconnect. Class engines
// poll this to return ErrNoDevice promptly instead of waiting out the
// full watchdog period when the device has been unplugged.
func (s *SIE) Disconnected() bool {
	return s.phy.LineState() == LineSE0
}

// Execute runs one complete transaction and blocks until it reaches a
// terminal response. txData is the payload for SETUP/OUT transfers
// (ignored for IN); maxRx bounds how many data-phase bytes an IN
// transfer will accept before RespRxOverflow is latched.
func (s *SIE) Execute(ctx context.Context, xfer TransferDescriptor, txData []byte, maxRx int) (TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := sieDrainRx
	result := TransferResult{Response: RespNone}

	for {
		switch state {
		case sieDrainRx:
			s.drainRx(ctx)
			state = sieWaitTXA

		case sieWaitTXA:
			if err := s.sof.WaitTxAllowed(ctx); err != nil {
				return TransferResult{Response: RespTimeout}, err
			}
			state = sieSendToken

		case sieSendToken:
			if err := s.tg.SendToken(ctx, s.phy, xfer.Type, xfer.DevAddr, xfer.EPAddr); err != nil {
				return TransferResult{}, err
			}
			state = sieWaitTokenComplete

		case sieWaitTokenComplete:
			select {
			case <-ctx.Done():
				return TransferResult{}, ctx.Err()
			case <-time.After(s.cfg.tokenCompleteDelay(s.speed)):
			}
			if xfer.Type == TransferIn {
				state = sieDataPhase // wait for device's IN data packet
			} else {
				state = sieDataPhase // send our OUT/SETUP data packet
			}

		case sieDataPhase:
			var err error
			result, err = s.runDataPhase(ctx, xfer, txData, maxRx)
			if err != nil {
				return result, err
			}
			if result.Response != RespNone {
				// handshake already resolved inline (STALL/NAK/TIMEOUT/CRC/OVERFLOW)
				state = sieDrainTX
				continue
			}
			state = sieWaitHandshake

		case sieWaitHandshake:
			// Only reached for the OUT/SETUP direction: data already sent,
			// now wait for the device's handshake PID.
			resp, err := s.readHandshake(ctx)
			if err != nil {
				return TransferResult{}, err
			}
			result.Response = resp
			state = sieDrainTX

		case sieDrainTX:
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.interPacketDelay(s.speed)):
			}
			return result, nil
		}
	}
}

func (s *SIE) drainRx(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, time.Microsecond)
	defer cancel()
	for {
		if _, ok, _ := s.phy.RxByte(drainCtx); !ok {
			return
		}
	}
}

// runDataPhase handles both directions. For OUT/SETUP it frames and
// sends the data packet (or a ZLP) and returns with Response == RespNone
// so the caller proceeds to sieWaitHandshake. For IN it waits for the
// device's data packet inside the rxa window, validates CRC16, ACKs it,
// and returns a terminal Response directly.
func (s *SIE) runDataPhase(ctx context.Context, xfer TransferDescriptor, txData []byte, maxRx int) (TransferResult, error) {
	if xfer.Type != TransferIn {
		return s.sendDataPacket(ctx, xfer.DataPID, txData)
	}
	return s.receiveDataPacket(ctx, maxRx)
}

func (s *SIE) sendDataPacket(ctx context.Context, pid DataPID, payload []byte) (TransferResult, error) {
	if err := s.phy.TxByte(ctx, pid.PID().Byte()); err != nil {
		return TransferResult{}, err
	}
	if err := sendBytes(ctx, s.phy, payload); err != nil {
		return TransferResult{}, err
	}
	crc := crc16(payload)
	if err := s.phy.TxByte(ctx, byte(crc&0xFF)); err != nil {
		return TransferResult{}, err
	}
	if err := s.phy.TxByte(ctx, byte(crc>>8)); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Response: RespNone}, nil
}

func (s *SIE) receiveDataPacket(ctx context.Context, maxRx int) (TransferResult, error) {
	deadline := s.sof.RxDeadline()
	rxCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	pidByte, ok, err := s.phy.RxByte(rxCtx)
	if err != nil {
		return TransferResult{}, err
	}
	if !ok {
		return TransferResult{Response: RespTimeout}, nil
	}

	switch TokenPID(pidByte & 0xF) {
	case PIDNak:
		return TransferResult{Response: RespNAK}, nil
	case PIDStall:
		return TransferResult{Response: RespSTALL}, nil
	case PIDData0, PIDData1:
	default:
		return TransferResult{Response: RespCRCError}, nil
	}

	n := 0
	overflow := false
	for {
		b, ok, err := s.phy.RxByte(rxCtx)
		if err != nil {
			return TransferResult{}, err
		}
		if !ok {
			break
		}
		if n < len(s.rxBuf) {
			s.rxBuf[n] = b
			n++
		} else {
			overflow = true
		}
	}

	if overflow {
		return TransferResult{Response: RespRxOverflow}, nil
	}
	if n < 2 {
		return TransferResult{Response: RespCRCError}, nil
	}

	payload := append([]byte(nil), s.rxBuf[:n-2]...)
	gotCRC := uint16(s.rxBuf[n-2]) | uint16(s.rxBuf[n-1])<<8
	if crc16(payload) != gotCRC {
		return TransferResult{Response: RespCRCError}, nil
	}
	if len(payload) > maxRx {
		return TransferResult{Response: RespRxOverflow, Data: payload}, nil
	}

	// ACK the data we accepted.
	if err := s.phy.TxByte(ctx, PIDAck.Byte()); err != nil {
		return TransferResult{}, err
	}

	return TransferResult{Response: RespACK, Data: payload}, nil
}

func (s *SIE) readHandshake(ctx context.Context) (TransferResponse, error) {
	deadline := s.sof.RxDeadline()
	rxCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	b, ok, err := s.phy.RxByte(rxCtx)
	if err != nil {
		return RespNone, err
	}
	if !ok {
		return RespTimeout, nil
	}
	switch TokenPID(b & 0xF) {
	case PIDAck:
		return RespACK, nil
	case PIDNak:
		return RespNAK, nil
	case PIDStall:
		return RespSTALL, nil
	default:
		return RespCRCError, nil
	}
}
