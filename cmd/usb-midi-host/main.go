// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command usb-midi-host enumerates a USB-MIDI device and hex-dumps
// received events to stdout, the Go/host-side counterpart of
// original_source/examples/midi_host.py (which drives a UART hex dump
// and LED packet counter from the same gateware engine).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/apfaudio/guh/class/midi"
	"github.com/apfaudio/guh/diag"
	"github.com/apfaudio/guh/transport/serial"
	"github.com/apfaudio/guh/transport/sim"
	"github.com/apfaudio/guh/usbh"
)

func main() {
	var (
		serialPath = flag.String("serial", "", "serial device bridging a real USB PHY; empty runs against an in-process simulated MIDI device")
		diagAddr   = flag.String("diag", "", "diagnostics HTTP server address; empty disables it")
		fullSpeed  = flag.Bool("full-speed-only", false, "skip high-speed chirp negotiation")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := usbh.DefaultConfig()
	var counters diag.Counters
	counters.Publish("usb_midi_host")

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
		dev, hostPHY := sim.NewDevice(cfg, simMIDIDeviceDescriptor, simMIDIConfigDescriptor, !*fullSpeed)
		dev.SetINSource(simMIDIEvents())
		go func() {
			if err := dev.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("simulated MIDI device: %v", err)
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

	host := midi.New(cfg, sie, sof)

	go func() {
		if err := host.Run(ctx); err != nil {
			log.Printf("midi host: %v", err)
			counters.EnumErrors.Add(1)
		}
	}()
	counters.Enumerations.Add(1)

	packetCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-host.Events:
			packetCount++
			fmt.Printf("[%08d] cable=%d cin=%x  %02x %02x %02x %02x\n",
				packetCount, ev.CableNumber(), ev.CodeIndex(), ev[0], ev[1], ev[2], ev[3])
		}
	}
}
