// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command moku-tdaq starts a TDAQ server streaming the datalogger
// samples of a Moku device.
//
// The device is read from the configuration file named by the
// MOKU_CONFIG environment variable, or from the default one.
// Decoded samples are published on the "/moku" output port.
package main // import "github.com/go-lpc/moku/cmd/moku-tdaq"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/go-lpc/moku/config"
)

func main() {
	cmd := flags.New()

	fname := os.Getenv("MOKU_CONFIG")
	if fname == "" {
		fname = config.DefaultPath()
	}
	cfg, err := config.Load(fname)
	if err != nil {
		log.Panicf("could not load configuration: %+v", err)
	}

	dev := newNode(cfg)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/moku", dev.samples)

	srv.RunHandle(dev.run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
