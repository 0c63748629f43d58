// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command moku-cal inspects the calibration history of a device and
// optionally applies its most recent calibration.
//
// Usage: moku-cal [OPTIONS]
//
// Example:
//
//	$> moku-cal -serial 000123
//	moku-cal: serial: "000123"
//	moku-cal: row[0]: ch1 coeff=0.125 (2020-01-02 15:04:05 +0000 UTC)
//	$> moku-cal -addr 192.168.73.1 -apply
package main // import "github.com/go-lpc/moku/cmd/moku-cal"

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/go-lpc/moku/caldb"
	"github.com/go-lpc/moku/config"
	"github.com/go-lpc/moku/link"
)

func main() {
	log.SetPrefix("moku-cal: ")
	log.SetFlags(0)

	var (
		fname  = flag.String("config", config.DefaultPath(), "path to the configuration file")
		dsn    = flag.String("dsn", "", "calibration db DSN (overrides the configuration file)")
		addr   = flag.String("addr", "", "device address (overrides the configuration file)")
		serial = flag.String("serial", "", "serial number of the device (default: read from the device)")
		apply  = flag.Bool("apply", false, "apply the most recent calibration to the device")
	)

	flag.Parse()

	cfg, err := config.Load(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *dsn != "" {
		cfg.DB.DSN = *dsn
	}
	if *addr != "" {
		cfg.Device.Addr = *addr
		cfg.Device.Stream = ""
	}
	if cfg.DB.DSN == "" {
		log.Fatalf("missing calibration db DSN")
	}

	db, err := caldb.Open(cfg.DB.DSN)
	if err != nil {
		log.Fatalf("could not open calibration db: %+v", err)
	}
	defer db.Close()

	err = run(context.Background(), db, cfg, *serial, *apply)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, db *caldb.DB, cfg config.Config, serial string, apply bool) error {
	var dev *link.Link
	if serial == "" || apply {
		var err error
		dev, err = link.Dial(ctx, cfg.Device.Addr, cfg.LinkOptions()...)
		if err != nil {
			return fmt.Errorf("could not connect to %q: %w", cfg.Device.Addr, err)
		}
		defer dev.Close()

		if serial == "" {
			serial, err = dev.Property(ctx, "device.serial")
			if err != nil {
				return fmt.Errorf("could not read device serial: %w", err)
			}
		}
	}
	log.Printf("serial: %q", serial)

	cals, err := db.History(ctx, serial)
	if err != nil {
		return fmt.Errorf("could not retrieve calibrations: %w", err)
	}
	log.Printf("calibrations: %d", len(cals))
	for i, cal := range cals {
		log.Printf("row[%d]: ch%d coeff=%g (%v)", i, cal.Channel, cal.Coeff, cal.Date)
	}

	if !apply {
		return nil
	}

	_, err = dev.TakeOwnership(ctx)
	if err != nil {
		return fmt.Errorf("could not take ownership: %w", err)
	}
	cals, err = db.Apply(ctx, dev)
	if err != nil {
		return fmt.Errorf("could not apply calibration: %w", err)
	}
	for _, cal := range cals {
		log.Printf("applied ch%d coeff=%g", cal.Channel, cal.Coeff)
	}
	return nil
}
