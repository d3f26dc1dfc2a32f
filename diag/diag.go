// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diag mounts an ad-hoc diagnostics HTTP server, the same way
// the teacher's example/web_server.go gives a demo binary a debug
// surface. github.com/mkevac/debugcharts registers its runtime charts
// on http.DefaultServeMux as a side effect of being imported; this
// package adds a few counters of its own (enumerations, transfer
// errors, watchdog expiries) next to it.
package diag

import (
	"context"
	"expvar"
	"fmt"
	"net/http"

	_ "github.com/mkevac/debugcharts"
)

// Counters tracks the handful of stack-wide events worth exposing on
// the diagnostics page. The zero value is ready to use.
type Counters struct {
	Enumerations    expvar.Int
	EnumErrors      expvar.Int
	TransferErrors  expvar.Int
	WatchdogExpired expvar.Int
}

// Publish registers c's fields under name on expvar's default map (and
// so on the debugcharts/DefaultServeMux diagnostics page). Call once
// per process; calling it twice with the same name panics, matching
// expvar.Publish's own contract.
func (c *Counters) Publish(name string) {
	expvar.Publish(name+".enumerations", &c.Enumerations)
	expvar.Publish(name+".enum_errors", &c.EnumErrors)
	expvar.Publish(name+".transfer_errors", &c.TransferErrors)
	expvar.Publish(name+".watchdog_expired", &c.WatchdogExpired)
}

// Serve starts the diagnostics HTTP server on addr (e.g. "localhost:6060")
// and blocks until ctx is canceled or the server errors.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: nil} // nil: debugcharts registered on DefaultServeMux

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("diag: %w", err)
	}
}
