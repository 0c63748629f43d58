// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the configuration shared by the moku commands.
package config // import "github.com/go-lpc/moku/config"

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/xfer"
)

// Log levels.
const (
	LevelQuiet   = "quiet"
	LevelInfo    = "info"
	LevelVerbose = "verbose"
)

// Config is the configuration of a client of a device.
type Config struct {
	Device  Device  `yaml:"device"`
	Xfer    Xfer    `yaml:"xfer"`
	Session Session `yaml:"session"`
	DB      DB      `yaml:"db"`
	Mail    Mail    `yaml:"mail"`

	LogLevel string `yaml:"log_level"`
}

// Device describes how to reach a device.
type Device struct {
	Addr    string        `yaml:"addr"`
	Stream  string        `yaml:"stream"` // data port, derived from addr when empty
	Name    string        `yaml:"name"`   // client name used for ownership
	Timeout time.Duration `yaml:"timeout"`
	TLS     bool          `yaml:"tls"`
	Force   bool          `yaml:"force"` // fall back to a plain link
}

// Xfer configures file transfers.
type Xfer struct {
	ChunkSize int  `yaml:"chunk_size"`
	Verify    bool `yaml:"verify"`
}

// Session configures logging sessions.
type Session struct {
	Mount string `yaml:"mount"` // "i" or "e"
	Type  string `yaml:"type"`  // bin, csv or net
	Dir   string `yaml:"dir"`   // local directory of uploaded logs
}

// DB is the calibration database.
type DB struct {
	DSN string `yaml:"dsn"`
}

// Mail configures alert mails.
type Mail struct {
	Server string   `yaml:"server"`
	Port   int      `yaml:"port"`
	User   string   `yaml:"user"`
	From   string   `yaml:"from"`
	To     []string `yaml:"to"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Device: Device{
			Addr:    "localhost",
			Timeout: 5 * time.Second,
		},
		Xfer: Xfer{
			ChunkSize: 4 << 20,
			Verify:    true,
		},
		Session: Session{
			Mount: link.MountInternal,
			Type:  "bin",
			Dir:   ".",
		},
		Mail: Mail{
			Port: 587,
		},
		LogLevel: LevelInfo,
	}
}

// DefaultPath returns the path of the user configuration file.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".moku", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "moku", "config.yaml")
}

// Load reads the configuration file fname, on top of the default
// configuration. A missing fname yields the default configuration.
func Load(fname string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(fname)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: could not read %q: %w", fname, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	err = dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: could not decode %q: %w", fname, err)
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, fmt.Errorf("config: invalid configuration %q: %w", fname, err)
	}
	return cfg, nil
}

// Save writes cfg to fname, creating its directory as needed.
func (cfg Config) Save(fname string) error {
	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: could not encode configuration: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(fname), 0755)
	if err != nil {
		return fmt.Errorf("config: could not create config dir: %w", err)
	}

	err = os.WriteFile(fname, raw, 0644)
	if err != nil {
		return fmt.Errorf("config: could not write %q: %w", fname, err)
	}
	return nil
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	switch {
	case strings.TrimSpace(cfg.Device.Addr) == "":
		return fmt.Errorf("no device address")
	case cfg.Device.Timeout <= 0:
		return fmt.Errorf("invalid device timeout %v", cfg.Device.Timeout)
	case cfg.Device.Force && !cfg.Device.TLS:
		return fmt.Errorf("force fallback requires tls")
	case cfg.Xfer.ChunkSize <= 0:
		return fmt.Errorf("invalid chunk size %d", cfg.Xfer.ChunkSize)
	}

	switch cfg.Session.Mount {
	case link.MountInternal, link.MountSD:
	default:
		return fmt.Errorf("invalid session mount point %q", cfg.Session.Mount)
	}

	if _, err := cfg.FileType(); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case LevelQuiet, LevelInfo, LevelVerbose:
	default:
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	if len(cfg.Mail.To) > 0 && (cfg.Mail.Server == "" || cfg.Mail.From == "") {
		return fmt.Errorf("mail recipients need a server and a sender")
	}
	return nil
}

// FileType returns the file type of logging sessions.
func (cfg Config) FileType() (link.FileType, error) {
	return link.ParseFileType(cfg.Session.Type)
}

// StreamAddr returns the address of the data port of the device.
func (cfg Config) StreamAddr() string {
	if cfg.Device.Stream != "" {
		return cfg.Device.Stream
	}
	return link.StreamAddr(link.Host(cfg.Device.Addr))
}

// Logger returns a logger with the given prefix, honoring the log level.
func (cfg Config) Logger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogLevel == LevelQuiet {
		w = io.Discard
	}
	return log.New(w, prefix, 0)
}

// LinkOptions returns the options to dial the device with.
func (cfg Config) LinkOptions() []link.Option {
	opts := []link.Option{
		link.WithTimeout(cfg.Device.Timeout),
		link.WithForce(cfg.Device.Force),
	}
	if cfg.Device.Name != "" {
		opts = append(opts, link.WithClientName(cfg.Device.Name))
	}
	if cfg.Device.TLS {
		// devices present self-signed certificates.
		opts = append(opts, link.WithTLS(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}))
	}
	if cfg.LogLevel != LevelVerbose {
		opts = append(opts, link.WithLogger(log.New(io.Discard, "link: ", 0)))
	}
	return opts
}

// XferOptions returns the options of file transfers.
func (cfg Config) XferOptions() []xfer.Option {
	opts := []xfer.Option{
		xfer.WithChunkSize(cfg.Xfer.ChunkSize),
		xfer.WithVerify(cfg.Xfer.Verify),
	}
	if cfg.LogLevel == LevelVerbose {
		opts = append(opts, xfer.WithLogger(cfg.Logger("xfer: ")))
	}
	return opts
}
