// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package caldb holds types to access the calibration and run
// database of Moku devices.
package caldb // import "github.com/go-lpc/moku/caldb"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/go-lpc/moku/link"
)

var drvName = "mysql"

const queryTimeout = 5 * time.Second

// ErrNoCalibration is returned when a device channel was never
// calibrated.
var ErrNoCalibration = errors.New("caldb: no calibration")

// DB exposes convenience methods to retrieve calibration data and to
// catalogue logging sessions.
type DB struct {
	db *sql.DB
}

// Open opens a connection to the database described by the data
// source name dsn, e.g. "user:pass@tcp(host)/moku?parseTime=true".
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("caldb: could not open db: %w", err)
	}

	err = ping(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("caldb: could not ping db: %w", err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Calibration is the gain coefficient of a device channel, measured at
// a given time.
type Calibration struct {
	Serial  string
	Channel int
	Coeff   float64
	Date    time.Time
}

// Calibration returns the most recent calibration coefficient of
// channel ch (1 or 2) of the device with the given serial number.
func (db *DB) Calibration(ctx context.Context, serial string, ch int) (Calibration, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cal := Calibration{Serial: serial, Channel: ch}
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT coeff, datetime FROM calibrations WHERE serial=? AND channel=? ORDER BY datetime DESC LIMIT 1",
		serial, ch,
	)
	if err != nil {
		return cal, fmt.Errorf("caldb: could not query calibration: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		err = rows.Scan(&cal.Coeff, &cal.Date)
		if err != nil {
			return cal, fmt.Errorf("caldb: could not get calibration value: %w", err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return cal, fmt.Errorf("caldb: could not scan db for calibration: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return cal, fmt.Errorf("caldb: context error while retrieving calibration: %w", err)
	}

	if !found {
		return cal, fmt.Errorf("%w for device %q channel %d", ErrNoCalibration, serial, ch)
	}

	return cal, nil
}

// History returns all the calibrations of a device, most recent first.
func (db *DB) History(ctx context.Context, serial string) ([]Calibration, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var cals []Calibration
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT channel, coeff, datetime FROM calibrations WHERE serial=? ORDER BY datetime DESC",
		serial,
	)
	if err != nil {
		return cals, fmt.Errorf("caldb: could not query calibrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cal := Calibration{Serial: serial}
		err = rows.Scan(&cal.Channel, &cal.Coeff, &cal.Date)
		if err != nil {
			return cals, fmt.Errorf("caldb: could not scan row %d for calibrations: %w", len(cals), err)
		}
		cals = append(cals, cal)
	}

	if err := rows.Err(); err != nil {
		return cals, fmt.Errorf("caldb: could not scan db for calibrations: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return cals, fmt.Errorf("caldb: context error while retrieving calibrations: %w", err)
	}

	return cals, nil
}

// Device is the part of a device link needed to apply calibrations.
type Device interface {
	Property(ctx context.Context, key string) (string, error)
	SetProperties(ctx context.Context, props []link.Prop) ([]link.Prop, error)
}

// Apply writes the most recent calibration of both channels into the
// calibration properties of dev. Channels never calibrated are left
// untouched.
func (db *DB) Apply(ctx context.Context, dev Device) ([]Calibration, error) {
	serial, err := dev.Property(ctx, "device.serial")
	if err != nil {
		return nil, fmt.Errorf("caldb: could not read device serial: %w", err)
	}

	var (
		cals  []Calibration
		props []link.Prop
	)
	for _, ch := range []int{1, 2} {
		cal, err := db.Calibration(ctx, serial, ch)
		if err != nil {
			if errors.Is(err, ErrNoCalibration) {
				continue
			}
			return nil, err
		}
		cals = append(cals, cal)
		props = append(props, link.Prop{
			Key:   fmt.Sprintf("calibration.ch%d", ch),
			Value: fmt.Sprintf("%g", cal.Coeff),
		})
	}
	if len(props) == 0 {
		return nil, nil
	}

	_, err = dev.SetProperties(ctx, props)
	if err != nil {
		return nil, fmt.Errorf("caldb: could not apply calibration of %q: %w", serial, err)
	}
	return cals, nil
}

// Session is a completed logging session.
type Session struct {
	Serial   string
	Tag      string // session tag, e.g. "0001"
	Instr    string // instrument name
	File     string // log file, empty for network sessions
	Start    time.Time
	Duration time.Duration
	Samples  uint64
	State    string // final session state
}

// RecordSession catalogues a completed logging session and returns its
// identifier.
func (db *DB) RecordSession(ctx context.Context, s Session) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := db.db.ExecContext(
		ctx,
		"INSERT INTO sessions (serial, tag, instrument, file, start, duration, samples, state) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		s.Serial, s.Tag, s.Instr, s.File, s.Start, s.Duration.Seconds(), s.Samples, s.State,
	)
	if err != nil {
		return 0, fmt.Errorf("caldb: could not record session %q: %w", s.Tag, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("caldb: could not retrieve id of session %q: %w", s.Tag, err)
	}
	return id, nil
}
