// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command moku-ctl controls a Moku device.
//
// Usage: moku-ctl [FLAGS] COMMAND [ARGS]
//
// Example:
//
//	$> moku-ctl --addr 192.168.73.1 props get device.serial
//	device.serial=000123
//	$> moku-ctl --addr 192.168.73.1 regs read 0x02 0x03
//	0x02: 0x000c0007
//	0x03: 0x00000000
//	$> moku-ctl --addr 192.168.73.1 files ls e --crc
package main // import "github.com/go-lpc/moku/cmd/moku-ctl"

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-lpc/moku"
	"github.com/go-lpc/moku/config"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/xfer"
)

func main() {
	log.SetPrefix("moku-ctl: ")
	log.SetFlags(0)

	err := newRootCmd(os.Stdout).ExecuteContext(context.Background())
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

// app holds the state shared by all commands.
type app struct {
	cfg   config.Config
	fname string // configuration file
	addr  string
	level string

	link *link.Link
	xfer *xfer.Client
	msg  *log.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	app := &app{fname: config.DefaultPath()}

	cmd := &cobra.Command{
		Use:           "moku-ctl",
		Short:         "Tool to control Moku devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&app.fname, "config", app.fname, "path to the configuration file")
	cmd.PersistentFlags().StringVar(&app.addr, "addr", "", "device address (overrides the configuration file)")
	cmd.PersistentFlags().StringVar(&app.level, "log-level", "", "log level (quiet, info, verbose)")

	cmd.AddCommand(
		app.configCmd(),
		app.regsCmd(),
		app.propsCmd(),
		app.filesCmd(),
		app.deployCmd(),
		app.resetCmd(),
		app.clockCmd(),
		app.firmwareCmd(),
		app.restartCmd(),
		app.ownerCmd(),
		app.streamCmd(),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the version of moku-ctl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sum := moku.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", moku.UserAgent(), sum)
			return nil
		},
	}
}

// load reads the configuration and applies the command line overrides.
func (app *app) load() error {
	cfg, err := config.Load(app.fname)
	if err != nil {
		return err
	}
	if app.addr != "" {
		cfg.Device.Addr = app.addr
		cfg.Device.Stream = ""
	}
	if app.level != "" {
		cfg.LogLevel = app.level
	}
	err = cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	app.cfg = cfg
	app.msg = cfg.Logger("moku-ctl: ")
	return nil
}

// connect dials the device. It is run before every device command.
func (app *app) connect(cmd *cobra.Command, args []string) error {
	err := app.load()
	if err != nil {
		return err
	}

	app.link, err = link.Dial(cmd.Context(), app.cfg.Device.Addr, app.cfg.LinkOptions()...)
	if err != nil {
		return fmt.Errorf("could not connect to %q: %w", app.cfg.Device.Addr, err)
	}
	app.xfer = xfer.New(app.link, app.cfg.XferOptions()...)
	app.msg.Printf("connected to %q (secure=%v)", app.link.URL(), app.link.Secure())
	return nil
}

func (app *app) disconnect(cmd *cobra.Command, args []string) error {
	if app.link == nil {
		return nil
	}
	err := app.link.Close()
	app.link = nil
	app.xfer = nil
	return err
}

// own takes ownership of the device before a modifying command.
func (app *app) own(ctx context.Context) error {
	o, err := app.link.TakeOwnership(ctx)
	if err != nil {
		return fmt.Errorf("could not take ownership: %w", err)
	}
	app.msg.Printf("device owned by %q", o.Name)
	return nil
}

// device returns cmd with the connection hooks installed.
func (app *app) device(cmd *cobra.Command) *cobra.Command {
	cmd.PersistentPreRunE = app.connect
	cmd.PersistentPostRunE = app.disconnect
	return cmd
}

func (app *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := os.Stat(app.fname); err == nil {
					return fmt.Errorf("configuration file %q already exists", app.fname)
				}
				cfg := config.Default()
				if app.addr != "" {
					cfg.Device.Addr = app.addr
				}
				err := cfg.Save(app.fname)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %q\n", app.fname)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Display the current configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				err := app.load()
				if err != nil {
					return err
				}
				o := cmd.OutOrStdout()
				fmt.Fprintf(o, "file:    %s\n", app.fname)
				fmt.Fprintf(o, "device:  %s\n", app.cfg.Device.Addr)
				fmt.Fprintf(o, "stream:  %s\n", app.cfg.StreamAddr())
				fmt.Fprintf(o, "timeout: %v\n", app.cfg.Device.Timeout)
				fmt.Fprintf(o, "tls:     %v (force=%v)\n", app.cfg.Device.TLS, app.cfg.Device.Force)
				fmt.Fprintf(o, "session: %s (mount=%s)\n", app.cfg.Session.Type, app.cfg.Session.Mount)
				return nil
			},
		},
	)
	return cmd
}

// splitPath splits a "mp:name" remote path.
func splitPath(path string) (mp, name string, err error) {
	i := strings.Index(path, ":")
	if i != 1 || len(path) < 3 {
		return "", "", fmt.Errorf("invalid remote path %q (want mp:name)", path)
	}
	return path[:1], path[2:], nil
}
