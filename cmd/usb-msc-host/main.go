// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command usb-msc-host enumerates a USB mass-storage device, reads
// block 0 once a second, and hex-dumps it to stdout, the Go/host-side
// counterpart of original_source/examples/msc_host.py (which drives a
// UART hex dump and ready/busy LEDs from the same gateware engine).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/apfaudio/guh/class/msc"
	"github.com/apfaudio/guh/diag"
	"github.com/apfaudio/guh/transport/serial"
	"github.com/apfaudio/guh/transport/sim"
	"github.com/apfaudio/guh/usbh"
)

func main() {
	var (
		serialPath = flag.String("serial", "", "serial device bridging a real USB PHY; empty runs against an in-process simulated mass-storage device")
		diagAddr   = flag.String("diag", "", "diagnostics HTTP server address; empty disables it")
		fullSpeed  = flag.Bool("full-speed-only", false, "skip high-speed chirp negotiation")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := usbh.DefaultConfig()
	var counters diag.Counters
	counters.Publish("usb_msc_host")

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
		fake := newSimMassStorage(512, 1024)
		dev, hostPHY := sim.NewDevice(cfg, simMSCDeviceDescriptor, simMSCConfigDescriptor, !*fullSpeed)
		dev.SetOUTSink(fake.outSink)
		dev.SetINSource(fake.inSource)
		go func() {
			if err := dev.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("simulated mass-storage device: %v", err)
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

	host := msc.New(cfg, sie, sof)

	go func() {
		if err := host.Run(ctx); err != nil {
			log.Printf("msc host: %v", err)
			counters.EnumErrors.Add(1)
			return
		}
	}()
	counters.Enumerations.Add(1)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// h.Reads is unbuffered: this send blocks until host.Run
			// has finished enumeration, waitReady and readCapacity and
			// reached its service loop, so no separate ready gate is
			// needed.
			select {
			case host.Reads <- msc.ReadRequest{LBA: 0}:
			case <-ctx.Done():
				return
			}
			select {
			case res := <-host.Results:
				if res.Error != nil {
					log.Printf("read block 0: %v", res.Error)
					counters.TransferErrors.Add(1)
					continue
				}
				fmt.Printf("block 0 (%d bytes):\n%s", len(res.Data), hexdump(res.Data))
			case <-ctx.Done():
				return
			}
		}
	}
}

func hexdump(b []byte) string {
	var out []byte
	for i := 0; i < len(b); i += 16 {
		end := i + 16
		if end > len(b) {
			end = len(b)
		}
		out = append(out, []byte(fmt.Sprintf("%04x  % x\n", i, b[i:end]))...)
	}
	return string(out)
}
