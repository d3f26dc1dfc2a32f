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
	"time"
)

// resetState names mirror the source FSM's state names one-for-one, so
// that this file reads side-by-side with the state machine it is
// translating.
type resetState int

const (
	stateDisconnected resetState = iota
	stateWaitConnect
	stateBusReset
	stateWaitDeviceChirpEnd
	stateWaitDeviceChirpEndSE0
	stateSendHostChirpK
	stateSendHostChirpJ
	stateIdleFS
	stateIdleHS
)

// pollInterval is how often the reset controller samples line_state
// while polling for a transition; it stands in for the per-cycle
// evaluation a clocked FSM gets for free.
const pollInterval = 10 * time.Microsecond

// ResetController drives USB bus reset and high-speed chirp negotiation
// and speed detection, following the same state sequence as a clocked
// host reset sequencer: DISCONNECTED -> WAIT-CONNECT -> BUS-RESET ->
// (chirp handshake) -> IDLE-FS or IDLE-HS.
type ResetController struct {
	cfg           *Config
	phy           PHY
	fullSpeedOnly bool
	DetectedSpeed Speed
}

func NewResetController(cfg *Config, phy PHY, fullSpeedOnly bool) *ResetController {
	return &ResetController{cfg: cfg, phy: phy, fullSpeedOnly: fullSpeedOnly}
}

// Run executes one full reset-and-speed-detection cycle: waits for
// connect, drives bus reset, negotiates high speed via chirp unless
// fullSpeedOnly is set, and returns the speed the bus settled at. It
// returns ErrBadSpeed if ctx is canceled before a connection settles.
// Run returns as soon as the bus reaches IDLE-FS or IDLE-HS and does
// not watch the line afterwards; the caller is expected to call Run
// again after detecting disconnect via LineState() == SE0 while idle.
func (r *ResetController) Run(ctx context.Context) (Speed, error) {
	state := stateDisconnected
	var resetStart, chirpStart time.Time

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return SpeedUnknown, fmt.Errorf("%w: %w", ErrBadSpeed, ctx.Err())
		case <-ticker.C:
		}

		ls := r.phy.LineState()

		switch state {
		case stateDisconnected:
			r.phy.SetMode(OpNormal, SpeedFull, TermLSFSNormal)
			if ls == LineJ {
				state = stateWaitConnect
				resetStart = time.Now()
			}

		case stateWaitConnect:
			r.phy.SetMode(OpNormal, SpeedFull, TermLSFSNormal)
			if ls != LineJ {
				state = stateDisconnected
				continue
			}
			if time.Since(resetStart) >= r.cfg.ConnectSettleTime {
				state = stateBusReset
				resetStart = time.Now()
			}

		case stateBusReset:
			r.phy.SetMode(OpRawDrive, SpeedHigh, TermHSNormal)
			elapsed := time.Since(resetStart)

			if !r.fullSpeedOnly && elapsed >= r.cfg.MinResetBeforeChirp {
				if ls == LineK {
					if chirpStart.IsZero() {
						chirpStart = time.Now()
					}
					if time.Since(chirpStart) >= r.cfg.ChirpFilterTime {
						chirpStart = time.Time{}
						state = stateWaitDeviceChirpEnd
					}
				} else {
					chirpStart = time.Time{}
				}
			}

			if elapsed >= r.cfg.MaxResetTime {
				chirpStart = time.Time{}
				state = stateIdleFS
			}

		case stateWaitDeviceChirpEnd:
			r.phy.SetMode(OpRawDrive, SpeedHigh, TermHSNormal)
			if ls != LineK {
				chirpStart = time.Now()
				state = stateWaitDeviceChirpEndSE0
			}

		case stateWaitDeviceChirpEndSE0:
			r.phy.SetMode(OpRawDrive, SpeedHigh, TermHSNormal)
			if time.Since(chirpStart) >= r.cfg.ChirpDuration {
				chirpStart = time.Now()
				state = stateSendHostChirpK
			}

		case stateSendHostChirpK:
			r.phy.SetMode(OpChirp, SpeedHigh, TermHSNormal)
			_ = r.phy.TxByte(ctx, 0x00)
			if time.Since(chirpStart) >= r.cfg.ChirpDuration {
				chirpStart = time.Now()
				state = stateSendHostChirpJ
			}

		case stateSendHostChirpJ:
			r.phy.SetMode(OpChirp, SpeedHigh, TermHSNormal)
			_ = r.phy.TxByte(ctx, 0xff)
			if time.Since(chirpStart) >= r.cfg.ChirpDuration {
				chirpStart = time.Now()
				if time.Since(resetStart) >= r.cfg.MaxResetTime {
					state = stateIdleHS
				} else {
					state = stateSendHostChirpK
				}
			}

		case stateIdleFS:
			r.DetectedSpeed = SpeedFull
			r.phy.SetMode(OpNormal, SpeedFull, TermLSFSNormal)
			return SpeedFull, nil

		case stateIdleHS:
			r.DetectedSpeed = SpeedHigh
			r.phy.SetMode(OpNormal, SpeedHigh, TermHSNormal)
			return SpeedHigh, nil
		}
	}
}
