// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/regs"
)

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return v, nil
}

func (app *app) regsCmd() *cobra.Command {
	cmd := app.device(&cobra.Command{
		Use:   "regs",
		Short: "Read or write instrument registers",
	})

	cmd.AddCommand(
		&cobra.Command{
			Use:   "read ADDR [ADDR...]",
			Short: "Read registers",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				addrs := make([]uint8, len(args))
				for i, arg := range args {
					v, err := parseUint(arg, 8)
					if err != nil {
						return err
					}
					if v >= regs.NumRegs {
						return fmt.Errorf("invalid register address %d", v)
					}
					addrs[i] = uint8(v)
				}
				rs, err := app.link.ReadRegs(cmd.Context(), addrs)
				if err != nil {
					return err
				}
				for _, r := range rs {
					fmt.Fprintf(cmd.OutOrStdout(), "0x%02x: 0x%08x\n", r.Addr, r.Value)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "write ADDR=VALUE [ADDR=VALUE...]",
			Short: "Write registers in a single bulk write",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rs := make([]link.Reg, len(args))
				for i, arg := range args {
					k, v, ok := strings.Cut(arg, "=")
					if !ok {
						return fmt.Errorf("invalid register assignment %q", arg)
					}
					addr, err := parseUint(k, 8)
					if err != nil {
						return err
					}
					if addr >= regs.NumRegs {
						return fmt.Errorf("invalid register address %d", addr)
					}
					val, err := parseUint(v, 32)
					if err != nil {
						return err
					}
					rs[i] = link.Reg{Addr: uint8(addr), Value: uint32(val)}
				}
				err := app.own(cmd.Context())
				if err != nil {
					return err
				}
				return app.link.WriteRegs(cmd.Context(), rs)
			},
		},
	)
	return cmd
}

func (app *app) propsCmd() *cobra.Command {
	cmd := app.device(&cobra.Command{
		Use:   "props",
		Short: "Read or write device properties",
	})

	show := func(cmd *cobra.Command, ps []link.Prop) {
		for _, p := range ps {
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", p.Key, p.Value)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get KEY [KEY...]",
			Short: "Read properties",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ps, err := app.link.Properties(cmd.Context(), args...)
				if err != nil {
					return err
				}
				show(cmd, ps)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set KEY=VALUE [KEY=VALUE...]",
			Short: "Write properties, all or none",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ps := make([]link.Prop, len(args))
				for i, arg := range args {
					k, v, ok := strings.Cut(arg, "=")
					if !ok {
						return fmt.Errorf("invalid property assignment %q", arg)
					}
					ps[i] = link.Prop{Key: k, Value: v}
				}
				err := app.own(cmd.Context())
				if err != nil {
					return err
				}
				ps, err = app.link.SetProperties(cmd.Context(), ps)
				if err != nil {
					return err
				}
				show(cmd, ps)
				return nil
			},
		},
		&cobra.Command{
			Use:   "section NAME",
			Short: "Read all the properties of a section",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ps, err := app.link.PropertySection(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				sort.Slice(ps, func(i, j int) bool { return ps[i].Key < ps[j].Key })
				show(cmd, ps)
				return nil
			},
		},
	)
	return cmd
}

func (app *app) deployCmd() *cobra.Command {
	var (
		sub uint8
		ext bool
	)
	cmd := app.device(&cobra.Command{
		Use:   "deploy ID",
		Short: "Deploy an instrument bitstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], 8)
			if err != nil {
				return err
			}
			err = app.own(cmd.Context())
			if err != nil {
				return err
			}
			build, err := app.link.Deploy(cmd.Context(), uint8(id), link.DeployOptions{
				SubIndex: sub,
				ExtClock: ext,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployed instrument %d (build %d)\n", id, build)
			return nil
		},
	})
	cmd.Flags().Uint8Var(&sub, "sub", 0, "bitstream sub-index")
	cmd.Flags().BoolVar(&ext, "ext-clock", false, "require the external 10 MHz reference")
	return cmd
}

func (app *app) resetCmd() *cobra.Command {
	return app.device(&cobra.Command{
		Use:   "reset",
		Short: "Reset the deployed instrument",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.own(cmd.Context())
			if err != nil {
				return err
			}
			return app.link.Reset(cmd.Context())
		},
	})
}

func (app *app) clockCmd() *cobra.Command {
	return app.device(&cobra.Command{
		Use:       "clock [ext|int]",
		Short:     "Display or select the 10 MHz reference",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"ext", "int"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				var ext bool
				switch args[0] {
				case "ext":
					ext = true
				case "int":
				default:
					return fmt.Errorf("invalid clock source %q", args[0])
				}
				err := app.own(ctx)
				if err != nil {
					return err
				}
				err = app.link.SetClockSource(ctx, ext)
				if err != nil {
					return err
				}
			}
			req, act, err := app.link.ClockSource(ctx)
			if err != nil {
				return err
			}
			name := func(ext bool) string {
				if ext {
					return "external"
				}
				return "internal"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested=%s actual=%s\n", name(req), name(act))
			return nil
		},
	})
}

func (app *app) firmwareCmd() *cobra.Command {
	return app.device(&cobra.Command{
		Use:   "firmware FILE",
		Short: "Upload and load a new device firmware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.own(cmd.Context())
			if err != nil {
				return err
			}
			err = app.xfer.LoadFirmware(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "firmware %q loaded\n", args[0])
			return nil
		},
	})
}

func (app *app) restartCmd() *cobra.Command {
	return app.device(&cobra.Command{
		Use:   "restart",
		Short: "Restart the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.own(cmd.Context())
			if err != nil {
				return err
			}
			return app.link.Restart(cmd.Context())
		},
	})
}

func (app *app) ownerCmd() *cobra.Command {
	cmd := app.device(&cobra.Command{
		Use:   "owner",
		Short: "Display the owner of the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := app.link.Owner(cmd.Context())
			if err != nil {
				return err
			}
			switch {
			case !o.Owned():
				fmt.Fprintf(cmd.OutOrStdout(), "device not owned\n")
			case o.LastSeen.IsZero():
				fmt.Fprintf(cmd.OutOrStdout(), "owner: %q\n", o.Name)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "owner: %q (last seen %v)\n", o.Name, o.LastSeen)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "release",
		Short: "Relinquish ownership of the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.link.Relinquish(cmd.Context())
		},
	})
	return cmd
}

func (app *app) streamCmd() *cobra.Command {
	cmd := app.device(&cobra.Command{
		Use:   "stream",
		Short: "Inspect the streaming session of the device",
	})
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Display the status of the current session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := app.link.StreamStatus(cmd.Context())
				if err != nil {
					return err
				}
				o := cmd.OutOrStdout()
				fmt.Fprintf(o, "state:    %v\n", st.State)
				fmt.Fprintf(o, "logged:   %d bytes\n", st.Logged)
				fmt.Fprintf(o, "start in: %ds\n", st.ToStart)
				fmt.Fprintf(o, "end in:   %ds\n", st.ToEnd)
				if st.Filename != "" {
					fmt.Fprintf(o, "file:     %s\n", st.Filename)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the current session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				err := app.own(cmd.Context())
				if err != nil {
					return err
				}
				st, n, err := app.link.StreamStop(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "state=%v logged=%d\n", st, n)
				return nil
			},
		},
	)
	return cmd
}
