// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/go-lpc/moku/link"
)

func (app *app) filesCmd() *cobra.Command {
	cmd := app.device(&cobra.Command{
		Use:   "files",
		Short: "Manage the files stored on the device",
	})

	var (
		crc bool
		sha bool
	)
	ls := &cobra.Command{
		Use:   "ls MOUNT",
		Short: "List the files of a mount point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := app.xfer.List(cmd.Context(), args[0], crc, sha)
			if err != nil {
				return err
			}
			o := cmd.OutOrStdout()
			for _, f := range fs {
				if f.Checksum != "" {
					fmt.Fprintf(o, "%12d %s %s\n", f.Size, f.Checksum, f.Name)
					continue
				}
				fmt.Fprintf(o, "%12d %s\n", f.Size, f.Name)
			}
			return nil
		},
	}
	ls.Flags().BoolVar(&crc, "crc", false, "display CRC-32 checksums")
	ls.Flags().BoolVar(&sha, "sha", false, "display SHA-256 digests")

	get := &cobra.Command{
		Use:   "get MOUNT:NAME [LOCAL]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mp, name, err := splitPath(args[0])
			if err != nil {
				return err
			}
			fname := filepath.Base(name)
			if len(args) == 2 {
				fname = args[1]
			}
			err = app.xfer.DownloadFile(cmd.Context(), mp, name, fname, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", link.Path(mp, name), fname)
			return nil
		},
	}

	put := &cobra.Command{
		Use:   "put LOCAL MOUNT[:NAME]",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mp, name := args[1], ""
			if len(mp) > 1 {
				var err error
				mp, name, err = splitPath(args[1])
				if err != nil {
					return err
				}
			}
			err := app.own(cmd.Context())
			if err != nil {
				return err
			}
			name, err = app.xfer.UploadFile(cmd.Context(), mp, args[0], name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], link.Path(mp, name))
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm MOUNT:NAME [MOUNT:NAME...]",
		Short: "Delete files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.own(cmd.Context())
			if err != nil {
				return err
			}
			for _, arg := range args {
				mp, name, err := splitPath(arg)
				if err != nil {
					return err
				}
				err = app.xfer.Delete(cmd.Context(), mp, name)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	var cp bool
	mv := &cobra.Command{
		Use:   "mv SRC DST",
		Short: "Move, or copy, a file and wait for completion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			smp, sname, err := splitPath(args[0])
			if err != nil {
				return err
			}
			dmp, dname, err := splitPath(args[1])
			if err != nil {
				return err
			}
			err = app.own(cmd.Context())
			if err != nil {
				return err
			}
			err = app.xfer.Rename(cmd.Context(), smp, sname, dmp, dname, !cp)
			if err != nil {
				return err
			}
			return app.xfer.WaitRename(cmd.Context(), func(st link.RenameStatus) {
				app.msg.Printf("%s -> %s: %3d%%", args[0], args[1], st.Percent)
			})
		},
	}
	mv.Flags().BoolVar(&cp, "copy", false, "keep the source file")

	df := &cobra.Command{
		Use:   "df MOUNT [MOUNT...]",
		Short: "Display the free space of mount points",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, mp := range args {
				total, free, err := app.xfer.Free(cmd.Context(), mp)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d bytes free\n", mp, free, total)
			}
			return nil
		},
	}

	cmd.AddCommand(ls, get, put, rm, mv, df, app.bitstreamCmd())
	return cmd
}

func (app *app) bitstreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bitstream",
		Short: "Manage instrument bitstreams",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List the bitstreams of the device",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				bs, err := app.xfer.ListBitstreams(cmd.Context(), true)
				if err != nil {
					return err
				}
				for _, b := range bs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", b.SHA, b.Name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "load FILE",
			Short: "Load a bitstream",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				err := app.own(cmd.Context())
				if err != nil {
					return err
				}
				sha, err := app.xfer.LoadBitstream(cmd.Context(), args[0], "")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", sha, args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm NAME",
			Short: "Delete a bitstream",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				err := app.own(cmd.Context())
				if err != nil {
					return err
				}
				return app.xfer.DeleteBitstream(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}
