// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to store and retrieve the outcome of
// calibration runs: the disabled channels and the per-chip settings
// that were reached.
package conddb // import "github.com/go-lpc/pixcal/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/calib"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to easily store and retrieve
// calibration data from the pixcal database.
type DB struct {
	db   *sql.DB
	name string // name of the pixcal database
}

// Open opens a connection to the pixcal database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// BadChannels returns the set of channels that were ever disabled by a
// calibration run.
func (db *DB) BadChannels(ctx context.Context) (*asic.Disabled, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT chip_key, channel FROM bad_channels",
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not query bad channels: %w", err)
	}
	defer rows.Close()

	dis := asic.NewDisabled()
	for rows.Next() {
		var (
			key string
			ch  uint8
		)
		err = rows.Scan(&key, &ch)
		if err != nil {
			return nil, fmt.Errorf("conddb: could not scan bad channel: %w", err)
		}
		if ch >= asic.NumChannels {
			return nil, fmt.Errorf("conddb: invalid channel %d for chip %q", ch, key)
		}
		dis.Add(key, ch)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("conddb: could not scan db for bad channels: %w", err)
	}

	err = ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("conddb: could not scan db for bad channels: %w", err)
	}

	return dis, nil
}

// Result is the last calibration outcome stored for a chip.
type Result struct {
	Key             asic.Key
	Mode            string
	Status          calib.Status
	Threshold       uint8
	Trims           [asic.NumChannels]uint8
	Disabled        int
	Metric          float64
	InvalidFraction float64
	Resets          int
	Time            time.Time
}

// LastResult returns the most recent calibration result of chip key.
func (db *DB) LastResult(ctx context.Context, key asic.Key) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var res Result
	rows, err := db.db.QueryContext(
		ctx,
		`SELECT mode, status, threshold, trims, disabled, metric, invalid_fraction, resets, datetime
		FROM calib_results WHERE chip_key=? ORDER BY datetime DESC LIMIT 1`,
		key.String(),
	)
	if err != nil {
		return res, fmt.Errorf("conddb: could not query last result of chip %v: %w", key, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			status string
			trims  []byte
		)
		err = rows.Scan(
			&res.Mode, &status, &res.Threshold, &trims,
			&res.Disabled, &res.Metric, &res.InvalidFraction,
			&res.Resets, &res.Time,
		)
		if err != nil {
			return res, fmt.Errorf("conddb: could not scan result of chip %v: %w", key, err)
		}
		if len(trims) != asic.NumChannels {
			return res, fmt.Errorf(
				"conddb: invalid trims for chip %v (len=%d)", key, len(trims),
			)
		}
		res.Status = calib.Status(status)
		copy(res.Trims[:], trims)
		found = true
	}

	err = rows.Err()
	if err != nil {
		return res, fmt.Errorf("conddb: could not scan db for results: %w", err)
	}

	err = ctx.Err()
	if err != nil {
		return res, fmt.Errorf("conddb: could not scan db for results: %w", err)
	}

	if !found {
		return res, fmt.Errorf("conddb: no result for chip %v", key)
	}
	res.Key = key

	return res, nil
}

// SaveResults stores the outcome of a calibration run in a single
// transaction.
func (db *DB) SaveResults(ctx context.Context, sum *calib.Summary) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conddb: could not start transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if sum.Disabled != nil {
		for _, key := range sum.Disabled.Keys() {
			for _, ch := range sum.Disabled.List(key) {
				_, err = tx.ExecContext(
					ctx,
					"INSERT IGNORE INTO bad_channels (chip_key, channel, mode, datetime) VALUES (?, ?, ?, ?)",
					key, int64(ch), sum.Mode.String(), now,
				)
				if err != nil {
					return fmt.Errorf(
						"conddb: could not insert bad channel %s-%d: %w", key, ch, err,
					)
				}
			}
		}
	}

	for _, chip := range sum.Chips {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO calib_results
			(chip_key, mode, status, threshold, trims, disabled, metric, invalid_fraction, resets, datetime)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			chip.Key.String(), sum.Mode.String(), string(chip.Status),
			int64(chip.Threshold), chip.Trims[:], int64(chip.Disabled),
			chip.Metric, chip.InvalidFraction, int64(chip.Resets), now,
		)
		if err != nil {
			return fmt.Errorf("conddb: could not insert result of chip %v: %w", chip.Key, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("conddb: could not commit results: %w", err)
	}

	return nil
}

var _ calib.ResultStore = (*DB)(nil)
