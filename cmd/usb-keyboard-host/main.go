// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command usb-keyboard-host enumerates a USB HID keyboard and prints
// typed characters to stdout, the Go/host-side counterpart of
// original_source/examples/keyboard_host.py (which drives an onboard
// UART and LEDs from the same gateware engine; this binary substitutes
// stdout output for the UART/LED bring-up that spec.md scopes out).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/apfaudio/guh/class/keyboard"
	"github.com/apfaudio/guh/diag"
	"github.com/apfaudio/guh/transport/serial"
	"github.com/apfaudio/guh/transport/sim"
	"github.com/apfaudio/guh/usbh"
)

// hidToASCII and hidToASCIIShift are the unshifted/shifted HID keycode
// lookup tables from keyboard_host.py, ported byte-for-byte.
var (
	hidToASCII      [256]byte
	hidToASCIIShift [256]byte
)

func init() {
	for i, c := range []byte("abcdefghijklmnopqrstuvwxyz") {
		hidToASCII[0x04+i] = c
	}
	for i, c := range []byte("1234567890") {
		hidToASCII[0x1E+i] = c
	}
	hidToASCII[0x2C] = ' '
	hidToASCII[0x28] = '\r'

	for i, c := range []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		hidToASCIIShift[0x04+i] = c
	}
	for i, c := range []byte("!@#$%^&*()") {
		hidToASCIIShift[0x1E+i] = c
	}
	hidToASCIIShift[0x2C] = ' '
	hidToASCIIShift[0x28] = '\r'

	if len(hidToASCII) != 256 || len(hidToASCIIShift) != 256 {
		panic("unreachable: fixed-size arrays")
	}
}

func main() {
	var (
		serialPath = flag.String("serial", "", "serial device bridging a real USB PHY (e.g. /dev/ttyUSB0); empty runs against an in-process simulated keyboard")
		diagAddr   = flag.String("diag", "", "diagnostics HTTP server address (e.g. localhost:6060); empty disables it")
		fullSpeed  = flag.Bool("full-speed-only", false, "skip high-speed chirp negotiation")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := usbh.DefaultConfig()
	var counters diag.Counters
	counters.Publish("usb_keyboard_host")

	if *diagAddr != "" {
		go func() {
			if err := diag.Serve(ctx, *diagAddr); err != nil {
				log.Printf("diag server: %v", err)
			}
		}()
	}

	var phy usbh.PHY
	if *serialPath != "" {
		p, err := serial.Dial(*serialPath)
		if err != nil {
			log.Fatalf("serial: %v", err)
		}
		phy = p
	} else {
		cfg = usbh.SimulationConfig()
		dev, hostPHY := sim.NewDevice(cfg, simKeyboardDeviceDescriptor, simKeyboardConfigDescriptor, !*fullSpeed)
		dev.SetINSource(simKeyboardReports())
		go func() {
			if err := dev.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("simulated keyboard: %v", err)
			}
		}()
		phy = hostPHY
	}

	reset := usbh.NewResetController(cfg, phy, *fullSpeed)
	speed, err := reset.Run(ctx)
	if err != nil {
		log.Fatalf("bus reset: %v", err)
	}
	log.Printf("negotiated speed: %s", speed)

	sie, sof := usbh.NewBus(cfg, phy, speed)
	go sof.Run(ctx, speed)

	host := keyboard.New(cfg, sie, sof)

	go func() {
		if err := host.Run(ctx); err != nil {
			log.Printf("keyboard host: %v", err)
			counters.EnumErrors.Add(1)
		}
	}()
	counters.Enumerations.Add(1)

	var prevKey0 uint8
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-host.Reports:
			if report.Keys[0] == prevKey0 || report.Keys[0] == 0 {
				prevKey0 = report.Keys[0]
				continue
			}
			prevKey0 = report.Keys[0]

			shiftHeld := report.Modifiers.LeftShift() || report.Modifiers.RightShift()
			table := hidToASCII
			if shiftHeld {
				table = hidToASCIIShift
			}
			if ascii := table[report.Keys[0]]; ascii != 0 {
				os.Stdout.Write([]byte{ascii})
			}
		}
	}
}
