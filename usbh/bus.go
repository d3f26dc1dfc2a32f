// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbh

// NewBus constructs an SIE and its SOFScheduler against the same PHY,
// sharing the SIE's transaction mutex so the scheduler's periodic SOF
// tick can never write a token onto the wire in the middle of an
// in-flight SIE transaction. Callers should always build the pair this
// way rather than calling NewSIE/NewSOFScheduler directly.
func NewBus(cfg *Config, phy PHY, speed Speed) (*SIE, *SOFScheduler) {
	sie := &SIE{cfg: cfg, phy: phy, speed: speed}
	sof := &SOFScheduler{cfg: cfg, phy: phy, txMu: &sie.mu}
	sie.sof = sof
	return sie, sof
}
