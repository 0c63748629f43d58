// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command moku-shell is an interactive shell to a Moku device.
//
// Usage: moku-shell [OPTIONS]
//
// Example:
//
//	$> moku-shell -addr 192.168.73.1
//	moku> props device.serial
//	device.serial=000123
//	moku> read 0x02
//	0x02: 0x000c0007
//	moku> quit
package main // import "github.com/go-lpc/moku/cmd/moku-shell"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/go-lpc/moku/config"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/regs"
	"github.com/go-lpc/moku/xfer"
)

func main() {
	log.SetPrefix("moku-shell: ")
	log.SetFlags(0)

	var (
		fname = flag.String("config", config.DefaultPath(), "path to the configuration file")
		addr  = flag.String("addr", "", "device address (overrides the configuration file)")
	)

	flag.Parse()

	cfg, err := config.Load(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *addr != "" {
		cfg.Device.Addr = *addr
		cfg.Device.Stream = ""
	}

	err = run(cfg, filepath.Join(filepath.Dir(*fname), "shell_history"))
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(cfg config.Config, hist string) error {
	ctx := context.Background()
	dev, err := link.Dial(ctx, cfg.Device.Addr, cfg.LinkOptions()...)
	if err != nil {
		return fmt.Errorf("could not connect to %q: %w", cfg.Device.Addr, err)
	}
	defer dev.Close()

	sh := newShell(dev, xfer.New(dev, cfg.XferOptions()...), os.Stdout)

	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("moku> ")
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, liner.ErrPromptAborted):
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return nil
		default:
			fmt.Fprintf(sh.w, "error: %+v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

type command struct {
	help string
	run  func(ctx context.Context, args []string) error
}

// shell executes the commands typed by the user.
type shell struct {
	dev  *link.Link
	xfer *xfer.Client
	w    io.Writer
	cmds map[string]command
}

func newShell(dev *link.Link, c *xfer.Client, w io.Writer) *shell {
	sh := &shell{dev: dev, xfer: c, w: w}
	sh.cmds = map[string]command{
		"help":    {"help: display this help", sh.help},
		"quit":    {"quit: leave the shell", func(context.Context, []string) error { return errQuit }},
		"read":    {"read ADDR...: read registers", sh.read},
		"write":   {"write ADDR=VALUE...: write registers", sh.write},
		"props":   {"props KEY...: read properties", sh.props},
		"set":     {"set KEY=VALUE...: write properties", sh.set},
		"section": {"section NAME: read a section of properties", sh.section},
		"deploy":  {"deploy ID: deploy an instrument", sh.deploy},
		"own":     {"own: take ownership of the device", sh.own},
		"release": {"release: relinquish ownership of the device", sh.release},
		"owner":   {"owner: display the owner of the device", sh.owner},
		"status":  {"status: display the streaming session status", sh.status},
		"ls":      {"ls MOUNT: list the files of a mount point", sh.ls},
		"df":      {"df MOUNT: display the free space of a mount point", sh.df},
	}
	return sh
}

func (sh *shell) exec(ctx context.Context, line string) error {
	toks := strings.Fields(line)
	cmd, ok := sh.cmds[toks[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try \"help\")", toks[0])
	}
	return cmd.run(ctx, toks[1:])
}

func (sh *shell) names() []string {
	names := make([]string, 0, len(sh.cmds))
	for k := range sh.cmds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (sh *shell) complete(line string) []string {
	var out []string
	for _, name := range sh.names() {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	return out
}

func (sh *shell) help(context.Context, []string) error {
	for _, name := range sh.names() {
		fmt.Fprintf(sh.w, "  %s\n", sh.cmds[name].help)
	}
	return nil
}

func nargs(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("missing arguments")
	}
	return nil
}

func parseAddr(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v >= regs.NumRegs {
		return 0, fmt.Errorf("invalid register address %q", s)
	}
	return uint8(v), nil
}

func (sh *shell) read(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	addrs := make([]uint8, len(args))
	for i, arg := range args {
		v, err := parseAddr(arg)
		if err != nil {
			return err
		}
		addrs[i] = v
	}
	rs, err := sh.dev.ReadRegs(ctx, addrs)
	if err != nil {
		return err
	}
	for _, r := range rs {
		fmt.Fprintf(sh.w, "0x%02x: 0x%08x\n", r.Addr, r.Value)
	}
	return nil
}

func (sh *shell) write(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	rs := make([]link.Reg, len(args))
	for i, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("invalid register assignment %q", arg)
		}
		addr, err := parseAddr(k)
		if err != nil {
			return err
		}
		val, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid register value %q: %w", v, err)
		}
		rs[i] = link.Reg{Addr: addr, Value: uint32(val)}
	}
	return sh.dev.WriteRegs(ctx, rs)
}

func (sh *shell) show(ps []link.Prop) {
	for _, p := range ps {
		fmt.Fprintf(sh.w, "%s=%s\n", p.Key, p.Value)
	}
}

func (sh *shell) props(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	ps, err := sh.dev.Properties(ctx, args...)
	if err != nil {
		return err
	}
	sh.show(ps)
	return nil
}

func (sh *shell) set(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	ps := make([]link.Prop, len(args))
	for i, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("invalid property assignment %q", arg)
		}
		ps[i] = link.Prop{Key: k, Value: v}
	}
	ps, err := sh.dev.SetProperties(ctx, ps)
	if err != nil {
		return err
	}
	sh.show(ps)
	return nil
}

func (sh *shell) section(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	ps, err := sh.dev.PropertySection(ctx, args[0])
	if err != nil {
		return err
	}
	sh.show(ps)
	return nil
}

func (sh *shell) deploy(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	id, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid instrument id %q: %w", args[0], err)
	}
	build, err := sh.dev.Deploy(ctx, uint8(id), link.DeployOptions{})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "deployed instrument %d (build %d)\n", id, build)
	return nil
}

func (sh *shell) own(ctx context.Context, args []string) error {
	o, err := sh.dev.TakeOwnership(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "owner: %q\n", o.Name)
	return nil
}

func (sh *shell) release(ctx context.Context, args []string) error {
	return sh.dev.Relinquish(ctx)
}

func (sh *shell) owner(ctx context.Context, args []string) error {
	o, err := sh.dev.Owner(ctx)
	if err != nil {
		return err
	}
	if !o.Owned() {
		fmt.Fprintf(sh.w, "device not owned\n")
		return nil
	}
	fmt.Fprintf(sh.w, "owner: %q\n", o.Name)
	return nil
}

func (sh *shell) status(ctx context.Context, args []string) error {
	st, err := sh.dev.StreamStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "state=%v logged=%d start=%d end=%d file=%q\n",
		st.State, st.Logged, st.ToStart, st.ToEnd, st.Filename,
	)
	return nil
}

func (sh *shell) ls(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	fs, err := sh.xfer.List(ctx, args[0], false, false)
	if err != nil {
		return err
	}
	for _, f := range fs {
		fmt.Fprintf(sh.w, "%12d %s\n", f.Size, f.Name)
	}
	return nil
}

func (sh *shell) df(ctx context.Context, args []string) error {
	if err := nargs(args, 1); err != nil {
		return err
	}
	total, free, err := sh.xfer.Free(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%s: %d/%d bytes free\n", args[0], free, total)
	return nil
}
