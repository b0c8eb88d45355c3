// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"testing"
	"time"
)

func TestTicks(t *testing.T) {
	if TimeToTicks(time.Time{}) != 0 {
		t.Errorf("zero time should map to 0 ticks")
	}
	if !TicksToTime(0).IsZero() {
		t.Errorf("0 ticks should map to the zero time")
	}

	epoch := time.Unix(0, 0)
	if got := TimeToTicks(epoch); got != unixEpochTicks {
		t.Errorf("unix epoch: got %d ticks, expected %d", got, unixEpochTicks)
	}

	for _, tm := range []time.Time{
		time.Date(2017, 3, 4, 5, 6, 7, 123456700, time.UTC),
		time.Date(1960, 1, 1, 0, 0, 0, 100, time.UTC),
		time.Date(2099, 12, 31, 23, 59, 59, 999999900, time.UTC),
	} {
		back := TicksToTime(TimeToTicks(tm))
		if !back.Equal(tm) {
			t.Errorf("%v: round trip gave %v", tm, back)
		}
	}

	// Sub-tick precision is truncated.
	tm := time.Date(2020, 1, 1, 0, 0, 0, 199, time.UTC)
	if TimeToTicks(tm) != TimeToTicks(tm.Add(-99)) {
		t.Errorf("expected truncation to 100ns")
	}
}

func TestIsHidden(t *testing.T) {
	for path, hidden := range map[string]bool{
		"/a/b/.git":    true,
		"/a/.b/c":      false,
		".profile":     true,
		"notes.txt":    false,
		"/a/b/..":      false,
		"/a/b/file.go": false,
	} {
		if IsHidden(path) != hidden {
			t.Errorf("%s: expected hidden=%v", path, hidden)
		}
	}
}

func TestFmtBytes(t *testing.T) {
	for n, s := range map[int64]string{
		12:             "12 B",
		4096:           "4.00 kiB",
		3 * 1024 * 1024: "3.00 MiB",
	} {
		if FmtBytes(n) != s {
			t.Errorf("%d: got %q, expected %q", n, FmtBytes(n), s)
		}
	}
}
