// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql/driver"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/calib"
	"github.com/go-lpc/pixcal/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()
}

func TestDSN(t *testing.T) {
	got := dsn("pixcal")
	want := "username:s3cr3t@tcp(localhost)/pixcal?parseTime=true"
	if got != want {
		t.Fatalf("invalid dsn: got=%q, want=%q", got, want)
	}
}

func TestBadChannels(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	for _, tc := range []struct {
		name string
		rows [][]driver.Value
		want map[string][]uint8
		err  string
	}{
		{
			name: "empty",
			want: map[string][]uint8{},
		},
		{
			name: "chips",
			rows: [][]driver.Value{
				{"1-1-12", int64(10)},
				{"1-1-12", int64(42)},
				{"2-3-11", int64(0)},
				{"All", int64(6)},
			},
			want: map[string][]uint8{
				"1-1-12":      {10, 42},
				"2-3-11":      {0},
				asic.AllChips: {6},
			},
		},
		{
			name: "invalid-channel",
			rows: [][]driver.Value{
				{"1-1-12", int64(64)},
			},
			err: `conddb: invalid channel 64 for chip "1-1-12"`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fakedb.Run(context.Background(), fakedb.Rows{
				Names:  []string{"chip_key", "channel"},
				Values: tc.rows,
			}, func(ctx context.Context) error {
				dis, err := db.BadChannels(ctx)
				switch {
				case err != nil && tc.err != "":
					if got, want := err.Error(), tc.err; got != want {
						t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
					}
					return nil
				case err != nil:
					t.Fatalf("could not retrieve bad channels: %+v", err)
				case tc.err != "":
					t.Fatalf("expected an error")
				}

				got := make(map[string][]uint8)
				for _, k := range dis.Keys() {
					got[k] = dis.List(k)
				}
				if !reflect.DeepEqual(got, tc.want) {
					t.Fatalf("invalid bad channels:\ngot= %v\nwant=%v", got, tc.want)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("error: %+v", err)
			}
		})
	}
}

func TestLastResult(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	var (
		key   = asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 12}
		now   = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		trims = make([]byte, asic.NumChannels)
	)
	for i := range trims {
		trims[i] = byte(i % 32)
	}

	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{
			"mode", "status", "threshold", "trims", "disabled",
			"metric", "invalid_fraction", "resets", "datetime",
		},
		Values: [][]driver.Value{
			{"threshold", "converged", int64(49), trims, int64(3), 1.5, 0.0, int64(1), now},
		},
	}, func(ctx context.Context) error {
		res, err := db.LastResult(ctx, key)
		if err != nil {
			t.Fatalf("could not retrieve last result: %+v", err)
		}

		want := Result{
			Key:       key,
			Mode:      "threshold",
			Status:    calib.StatusConverged,
			Threshold: 49,
			Disabled:  3,
			Metric:    1.5,
			Resets:    1,
			Time:      now,
		}
		copy(want.Trims[:], trims)
		if !reflect.DeepEqual(res, want) {
			t.Fatalf("invalid result:\ngot= %+v\nwant=%+v", res, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("error: %+v", err)
	}

	_, err = fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		_, err := db.LastResult(ctx, key)
		if err == nil {
			t.Fatalf("expected an error")
		}
		if got, want := err.Error(), "conddb: no result for chip 1-1-12"; got != want {
			t.Fatalf("invalid error: got=%q, want=%q", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("error: %+v", err)
	}
}

func TestSaveResults(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	dis := asic.DefaultDisabled()
	dis.Add("1-1-12", 10, 42)

	sum := &calib.Summary{
		Mode: calib.LeakageMode,
		Chips: []calib.ChipSummary{
			{
				Key:       asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 12},
				Status:    calib.StatusConverged,
				Threshold: 255,
				Disabled:  2,
				Metric:    0.5,
			},
			{
				Key:    asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 13},
				Status: calib.StatusFailed,
				Err:    "too many channels",
			},
		},
		Disabled: dis,
	}

	execs, err := fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		return db.SaveResults(ctx, sum)
	})
	if err != nil {
		t.Fatalf("could not save results: %+v", err)
	}

	nbad := len(asic.NonRouted) + 2
	if got, want := len(execs), nbad+len(sum.Chips); got != want {
		t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
	}

	for i, exec := range execs {
		switch {
		case i < nbad:
			if !strings.HasPrefix(exec.Query, "INSERT IGNORE INTO bad_channels") {
				t.Fatalf("invalid statement %d: %q", i, exec.Query)
			}
			if got, want := exec.Args[2], driver.Value("leakage"); got != want {
				t.Fatalf("invalid mode for statement %d: got=%v, want=%v", i, got, want)
			}
		default:
			if !strings.Contains(exec.Query, "INSERT INTO calib_results") {
				t.Fatalf("invalid statement %d: %q", i, exec.Query)
			}
		}
	}

	last := execs[len(execs)-1]
	if got, want := last.Args[0], driver.Value("1-1-13"); got != want {
		t.Fatalf("invalid chip key: got=%v, want=%v", got, want)
	}
	if got, want := last.Args[2], driver.Value("failed"); got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if got, want := len(last.Args[4].([]byte)), asic.NumChannels; got != want {
		t.Fatalf("invalid trims: got=%d, want=%d", got, want)
	}

	first := execs[0]
	want := []driver.Value{"1-1-12", int64(10)}
	if got := first.Args[:2]; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid bad channel: got=%v, want=%v", got, want)
	}
}
