// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command moku-sim runs a simulated Moku device.
//
// Usage: moku-sim [OPTIONS]
//
// Example:
//
//	$> moku-sim -db ./moku-sim.db -serial 000123
//	moku-sim: serving control port on "tcp://0.0.0.0:27184"...
//	moku-sim: serving data port on "tcp://0.0.0.0:27186"...
package main // import "github.com/go-lpc/moku/cmd/moku-sim"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/sim"
)

func main() {
	log.SetPrefix("moku-sim: ")
	log.SetFlags(0)

	var (
		ctl    = flag.String("ctl", fmt.Sprintf("tcp://0.0.0.0:%d", link.PortCtrl), "address of the control port")
		data   = flag.String("data", fmt.Sprintf("tcp://0.0.0.0:%d", link.PortStream), "address of the data port")
		dbname = flag.String("db", "", "path to a bbolt database persisting the device files (default: in memory)")
		serial = flag.String("serial", "000000", "serial number of the device")
		build  = flag.Uint("build", 1, "build number of deployed instruments")
		ext    = flag.Bool("ext-clock", false, "simulate an external 10 MHz reference")
		cert   = flag.String("cert", "", "TLS certificate of the control port")
		key    = flag.String("key", "", "TLS key of the control port")
		quiet  = flag.Bool("q", false, "disable device logs")
	)

	flag.Parse()

	opts := []sim.Option{
		sim.WithProperties(map[string]string{"device.serial": *serial}),
		sim.WithBuild(uint16(*build)),
		sim.WithExtClock(*ext),
	}
	if *quiet {
		opts = append(opts, sim.WithLogger(log.New(io.Discard, "", 0)))
	}

	err := run(*ctl, *data, *dbname, *cert, *key, opts)
	if err != nil {
		log.Fatalf("could not run simulated device: %+v", err)
	}
}

func run(ctl, data, dbname, cert, key string, opts []sim.Option) error {
	if dbname != "" {
		var mounts []string
		for _, mp := range sim.DefaultMounts() {
			mounts = append(mounts, mp.Name)
		}
		store, err := sim.OpenBoltStore(dbname, mounts...)
		if err != nil {
			return fmt.Errorf("could not open device store: %w", err)
		}
		opts = append(opts, sim.WithStore(store))
		log.Printf("device files persisted in %q", dbname)
	}

	if cert != "" || key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return fmt.Errorf("could not load TLS key pair: %w", err)
		}
		opts = append(opts, sim.WithTLS(&tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}))
		if !strings.HasPrefix(ctl, "tls+") {
			ctl = "tls+" + ctl
		}
	}

	srv, err := sim.New(ctl, data, opts...)
	if err != nil {
		return fmt.Errorf("could not create device: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("serving control port on %q...", ctl)
	log.Printf("serving data port on %q...", data)

	err = srv.Serve(ctx)
	if err != nil {
		return fmt.Errorf("could not serve device: %w", err)
	}
	log.Printf("shutting down...")

	return srv.Close()
}
