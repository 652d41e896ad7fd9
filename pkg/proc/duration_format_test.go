package proc

import (
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-3 * time.Second, "0s"},
		{499 * time.Millisecond, "0s"},
		{59*time.Second + 600*time.Millisecond, "1m0s"},
		{7 * time.Second, "7s"},
		{3*time.Minute + 2*time.Second, "3m2s"},
		{time.Hour + 5*time.Second, "1h0m5s"},
		{26*time.Hour + 3*time.Minute, "1d2h3m0s"},
		{40 * 24 * time.Hour, "40d0h0m0s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
