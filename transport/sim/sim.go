// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim provides an in-process simulated usbh.PHY pair and a
// minimal fake USB device, so tests and demos can exercise bus reset,
// enumeration and class-engine polling without real hardware.
//
// Grounded on original_source/tests/test_integration.py's
// FakeUSBMIDIDevice/connect_utmi harness: a host PHY and a device PHY
// are wired back to back, and the fake device answers the standard
// control requests the enumerator issues plus whatever class-specific
// bulk/interrupt traffic a test configures.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/apfaudio/guh/usbh"
)

// bus is the shared line state both halves of a PHY pair sample. Only
// the fake device drives it (attach, chirp, disconnect); the host side
// only reads it, matching how a real device's pull-ups and chirp
// signaling are what the host's reset controller observes.
type bus struct {
	mu   sync.Mutex
	line usbh.LineState
}

func (b *bus) get() usbh.LineState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.line
}

func (b *bus) set(ls usbh.LineState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.line = ls
}

// PHY is one end of a simulated back-to-back USB connection: a pair of
// byte channels standing in for the bit-level NRZI line, and a shared
// bus for line-state sampling.
type PHY struct {
	bus *bus
	tx  chan byte
	rx  chan byte

	mu     sync.Mutex
	opMode usbh.OpMode
	xcvr   usbh.Speed
	term   usbh.TermSelect
}

func newPair(b *bus) (host *PHY, device *PHY) {
	aToB := make(chan byte, 256)
	bToA := make(chan byte, 256)
	host = &PHY{bus: b, tx: aToB, rx: bToA}
	device = &PHY{bus: b, tx: bToA, rx: aToB}
	return
}

// TxByte implements usbh.PHY.
func (p *PHY) TxByte(ctx context.Context, b byte) error {
	select {
	case p.tx <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RxByte implements usbh.PHY. A context that expires before a byte
// arrives yields ok=false, err=nil: the same "nothing arrived in this
// window" signal a real rxa-window timeout produces, not a hard error.
func (p *PHY) RxByte(ctx context.Context) (byte, bool, error) {
	select {
	case b := <-p.rx:
		return b, true, nil
	case <-ctx.Done():
		return 0, false, nil
	}
}

// LineState implements usbh.PHY.
func (p *PHY) LineState() usbh.LineState { return p.bus.get() }

// SetMode implements usbh.PHY. Recorded for inspection only: this PHY
// operates above the bit level, so op_mode/xcvr_select/term_select do
// not change how TxByte/RxByte encode anything.
func (p *PHY) SetMode(op usbh.OpMode, xcvr usbh.Speed, term usbh.TermSelect) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opMode, p.xcvr, p.term = op, xcvr, term
}

// readExact blocks for exactly n bytes, using ctx directly (tokens and
// handshakes are fixed-length, so there is no packet-boundary ambiguity
// to resolve).
func readExact(ctx context.Context, phy *PHY, n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		b, ok, err := phy.RxByte(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		buf = append(buf, b)
	}
	return buf, nil
}

// idleGap is how long the fake device waits for the next byte of a
// variable-length data packet before treating the packet as complete.
// It must be comfortably shorter than Config's inter-packet/token
// delays (see SimulationConfig's 50us floor) so a real gap between packets is
// never mistaken for more payload, and comfortably longer than Go
// scheduling jitter so a live transmission is never split early.
const idleGap = 20 * time.Microsecond

// readPacket reads a variable-length packet (PID byte + payload + CRC16)
// by treating a idleGap silence as end-of-packet, standing in for the
// EOP signal a bit-level PHY would deliver directly.
func readPacket(ctx context.Context, phy *PHY) ([]byte, error) {
	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		byteCtx, cancel := context.WithTimeout(ctx, idleGap)
		b, ok, err := phy.RxByte(byteCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		if !ok {
			if len(buf) > 0 {
				return buf, nil
			}
			continue
		}
		buf = append(buf, b)
	}
}

func pidByte(nibble byte) byte {
	n := nibble & 0xF
	return n | ((^n & 0xF) << 4)
}

// crc16 duplicates usbh's unexported USB data-packet CRC16 (polynomial
// x^16+x^15+x^2+1, seed 0xFFFF) so the fake device can frame correctly
// CRC'd DATA packets back to the host.
func crc16(payload []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range payload {
		for i := 0; i < 8; i++ {
			bit := (b >> uint(i)) & 1
			lsb := uint8(crc & 1)
			crc >>= 1
			if bit^lsb != 0 {
				crc ^= 0xA001
			}
		}
	}
	return ^crc
}

// INSource supplies the next payload for a polled IN endpoint. ok=false
// means NAK this poll (no data ready yet).
type INSource func(epAddr uint8) (data []byte, ok bool)

// OUTSink delivers a received OUT payload. The return value selects the
// handshake: true ACKs, false STALLs.
type OUTSink func(epAddr uint8, data []byte) bool

type controlState struct {
	active   bool
	req      usbh.SetupData
	respData []byte
	cursor   int
}

// Device is a minimal fake USB device: it drives bus attach/chirp
// signaling during reset, answers the enumerator's standard control
// requests from a device/configuration descriptor pair supplied by the
// caller, and otherwise hands bulk/interrupt traffic to the INSource/
// OUTSink a test installs.
type Device struct {
	cfg              *usbh.Config
	phy              *PHY
	bus              *bus
	highSpeedCapable bool

	deviceDescriptor []byte
	configDescriptor []byte
	maxPacketSize0   int

	inSource INSource
	outSink  OUTSink

	address uint8
	ctrl    controlState

	inToggle  map[uint8]usbh.DataPID
	outToggle map[uint8]usbh.DataPID
}

// NewDevice builds a fake device and the host-facing PHY wired to it.
// deviceDescriptor and configDescriptor are the raw bytes served
// verbatim (clipped to the requested length) for GET_DESCRIPTOR(DEVICE)
// and GET_DESCRIPTOR(CONFIGURATION) respectively; configDescriptor is
// expected to carry its interface/endpoint descriptors back to back,
// the same streamed shape DescriptorParser expects.
func NewDevice(cfg *usbh.Config, deviceDescriptor, configDescriptor []byte, highSpeedCapable bool) (*Device, usbh.PHY) {
	b := &bus{}
	hostPHY, devicePHY := newPair(b)
	b.set(usbh.LineJ)

	maxPkt := 8
	if len(deviceDescriptor) > 7 {
		maxPkt = int(deviceDescriptor[7])
	}

	d := &Device{
		cfg:              cfg,
		phy:              devicePHY,
		bus:              b,
		highSpeedCapable: highSpeedCapable,
		deviceDescriptor: deviceDescriptor,
		configDescriptor: configDescriptor,
		maxPacketSize0:   maxPkt,
		inSource:         func(uint8) ([]byte, bool) { return nil, false },
		outSink:          func(uint8, []byte) bool { return true },
		inToggle:         make(map[uint8]usbh.DataPID),
		outToggle:        make(map[uint8]usbh.DataPID),
	}
	return d, hostPHY
}

// SetINSource installs the handler for polled bulk/interrupt IN
// endpoints (endpoint 0 is handled internally as the control endpoint).
func (d *Device) SetINSource(fn INSource) { d.inSource = fn }

// SetOUTSink installs the handler for bulk/interrupt OUT endpoints.
func (d *Device) SetOUTSink(fn OUTSink) { d.outSink = fn }

// Run drives the device's half of the bus until ctx is canceled: bus
// attach/chirp signaling, then the token/data/handshake responder loop.
func (d *Device) Run(ctx context.Context) error {
	if d.highSpeedCapable {
		go d.driveChirp(ctx)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.serveOnePacket(ctx); err != nil {
			return err
		}
	}
}

// driveChirp emulates a high-speed-capable device's response to bus
// reset: after the host has plausibly finished its ConnectSettleTime +
// MinResetBeforeChirp wait, hold K for longer than ChirpFilterTime,
// then release back to J. Timed off the same Config the host uses,
// since both sides of a test share one.
func (d *Device) driveChirp(ctx context.Context) {
	margin := 3 * d.cfg.ChirpDuration
	delay := d.cfg.ConnectSettleTime + d.cfg.MinResetBeforeChirp + margin
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	d.bus.set(usbh.LineK)
	hold := d.cfg.ChirpFilterTime + margin
	select {
	case <-time.After(hold):
	case <-ctx.Done():
		return
	}
	d.bus.set(usbh.LineJ)
}

// serveOnePacket reads one token (or SOF) and, if it addresses this
// device, carries out the rest of that transaction.
func (d *Device) serveOnePacket(ctx context.Context) error {
	first, ok, err := d.phy.RxByte(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ctx.Err()
	}

	pid := usbh.TokenPID(first & 0xF)
	switch pid {
	case usbh.PIDSOF:
		if _, err := readExact(ctx, d.phy, 2); err != nil {
			return err
		}
		return nil

	case usbh.PIDSetup, usbh.PIDIn, usbh.PIDOut:
		fields, err := readExact(ctx, d.phy, 2)
		if err != nil {
			return err
		}
		field11 := uint16(fields[0]) | uint16(fields[1]&0x7)<<8
		devAddr := uint8(field11 & 0x7F)
		epAddr := uint8((field11 >> 7) & 0xF)
		if devAddr != d.address {
			return nil
		}
		return d.serveTransaction(ctx, pid, epAddr)

	default:
		// Unrecognized PID arriving as a token's first byte; ignore.
		return nil
	}
}

func (d *Device) serveTransaction(ctx context.Context, pid usbh.TokenPID, epAddr uint8) error {
	switch pid {
	case usbh.PIDSetup:
		return d.serveSetup(ctx)
	case usbh.PIDIn:
		if epAddr == 0 {
			return d.serveControlIn(ctx)
		}
		return d.serveBulkIn(ctx, epAddr)
	case usbh.PIDOut:
		if epAddr == 0 {
			return d.serveControlOut(ctx)
		}
		return d.serveBulkOut(ctx, epAddr)
	}
	return nil
}

// serveSetup reads the 8-byte setup payload (DATA0, CRC16-trailed),
// ACKs it unconditionally (a SETUP token can never be NAKed or
// STALLed), and latches the request for the IN/OUT tokens that follow.
func (d *Device) serveSetup(ctx context.Context) error {
	pkt, err := readPacket(ctx, d.phy)
	if err != nil {
		return err
	}
	if len(pkt) < 1+8+2 {
		return fmt.Errorf("sim: short setup packet (%d bytes)", len(pkt))
	}
	if err := d.phy.TxByte(ctx, pidByte(byte(usbh.PIDAck))); err != nil {
		return err
	}

	payload := pkt[1 : len(pkt)-2]
	req := usbh.SetupData{
		RequestType: payload[0],
		Request:     payload[1],
		Value:       binary.LittleEndian.Uint16(payload[2:4]),
		Index:       binary.LittleEndian.Uint16(payload[4:6]),
		Length:      binary.LittleEndian.Uint16(payload[6:8]),
	}

	d.ctrl = controlState{active: true, req: req}
	if req.Length > 0 && req.RequestType&0x80 != 0 {
		d.ctrl.respData = d.buildDescriptorResponse(req)
	}
	return nil
}

func (d *Device) buildDescriptorResponse(req usbh.SetupData) []byte {
	var data []byte
	if req.Request == usbh.ReqGetDescriptor {
		switch uint8(req.Value >> 8) {
		case usbh.DescDevice:
			data = d.deviceDescriptor
		case usbh.DescConfiguration:
			data = d.configDescriptor
		}
	}
	if len(data) > int(req.Length) {
		data = data[:req.Length]
	}
	return data
}

// serveControlIn answers either a data-stage IN (GET_DESCRIPTOR) chunk
// or, for a no-data-stage request, the IN ZLP status handshake -- at
// which point a pending SET_ADDRESS takes effect.
func (d *Device) serveControlIn(ctx context.Context) error {
	if !d.ctrl.active {
		return d.phy.TxByte(ctx, pidByte(byte(usbh.PIDNak)))
	}

	if d.ctrl.req.Length > 0 && d.ctrl.req.RequestType&0x80 != 0 {
		remaining := d.ctrl.respData[d.ctrl.cursor:]
		n := d.maxPacketSize0
		if n > len(remaining) {
			n = len(remaining)
		}
		chunk := remaining[:n]
		if err := d.sendData(ctx, usbh.DATA1, chunk); err != nil {
			return err
		}
		d.ctrl.cursor += n
		return nil
	}

	// No-data-stage request: this IN is the status ZLP.
	if err := d.sendData(ctx, usbh.DATA1, nil); err != nil {
		return err
	}
	if d.ctrl.req.Request == usbh.ReqSetAddress {
		d.address = uint8(d.ctrl.req.Value)
	}
	d.ctrl.active = false
	return nil
}

// serveControlOut answers the OUT ZLP status stage that follows a
// data-stage IN control transfer.
func (d *Device) serveControlOut(ctx context.Context) error {
	if _, err := readPacket(ctx, d.phy); err != nil {
		return err
	}
	if err := d.phy.TxByte(ctx, pidByte(byte(usbh.PIDAck))); err != nil {
		return err
	}
	d.ctrl.active = false
	return nil
}

func (d *Device) serveBulkIn(ctx context.Context, epAddr uint8) error {
	data, ok := d.inSource(epAddr)
	if !ok {
		return d.phy.TxByte(ctx, pidByte(byte(usbh.PIDNak)))
	}
	toggle := d.inToggle[epAddr]
	if err := d.sendData(ctx, toggle, data); err != nil {
		return err
	}
	b, ok, err := d.phy.RxByte(ctx)
	if err != nil {
		return err
	}
	if ok && usbh.TokenPID(b&0xF) == usbh.PIDAck {
		d.inToggle[epAddr] = toggle.Toggle()
	}
	return nil
}

func (d *Device) serveBulkOut(ctx context.Context, epAddr uint8) error {
	pkt, err := readPacket(ctx, d.phy)
	if err != nil {
		return err
	}
	if len(pkt) < 3 {
		return fmt.Errorf("sim: short OUT data packet (%d bytes)", len(pkt))
	}
	payload := pkt[1 : len(pkt)-2]
	if d.outSink(epAddr, payload) {
		toggle := d.outToggle[epAddr]
		d.outToggle[epAddr] = toggle.Toggle()
		return d.phy.TxByte(ctx, pidByte(byte(usbh.PIDAck)))
	}
	return d.phy.TxByte(ctx, pidByte(byte(usbh.PIDStall)))
}

func (d *Device) sendData(ctx context.Context, pid usbh.DataPID, payload []byte) error {
	if err := d.phy.TxByte(ctx, pid.PID().Byte()); err != nil {
		return err
	}
	for _, b := range payload {
		if err := d.phy.TxByte(ctx, b); err != nil {
			return err
		}
	}
	crc := crc16(payload)
	if err := d.phy.TxByte(ctx, byte(crc&0xFF)); err != nil {
		return err
	}
	return d.phy.TxByte(ctx, byte(crc>>8))
}
