package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSaturationRatio(t *testing.T) {
	cases := []struct {
		acquired, max int32
		want          float64
	}{
		{0, 10, 0},
		{5, 10, 0.5},
		{10, 10, 1},
		{12, 10, 1},  // transient over-count clamps to full
		{-1, 10, 0},  // never below zero
		{3, 0, 0},    // unconfigured pool reports empty
		{3, -1, 0},
	}
	for _, tc := range cases {
		if got := saturationRatio(tc.acquired, tc.max); got != tc.want {
			t.Errorf("saturationRatio(%d, %d) = %v, want %v", tc.acquired, tc.max, got, tc.want)
		}
	}
}

func TestAcquireExhausted(t *testing.T) {
	deadline := fmt.Errorf("acquire: %w", context.DeadlineExceeded)

	cases := []struct {
		name          string
		err           error
		acquired, max int32
		want          bool
	}{
		{"deadline with full pool", deadline, 10, 10, true},
		{"deadline with spare capacity", deadline, 3, 10, false},
		{"connection refused with full pool", errors.New("connection refused"), 10, 10, false},
		{"canceled with full pool", context.Canceled, 10, 10, false},
		{"no error", nil, 10, 10, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := acquireExhausted(tc.err, tc.acquired, tc.max); got != tc.want {
				t.Errorf("acquireExhausted(%v, %d, %d) = %v, want %v",
					tc.err, tc.acquired, tc.max, got, tc.want)
			}
		})
	}
}
