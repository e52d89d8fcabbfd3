//go:build linux

package transport

import (
	"testing"
	"time"
)

func TestVTime(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want uint8
	}{
		{time.Millisecond, 1},
		{100 * time.Millisecond, 1},
		{150 * time.Millisecond, 2},
		{time.Second, 10},
		{time.Minute, 255},
	}
	for _, tc := range cases {
		if got := vtime(tc.in); got != tc.want {
			t.Fatalf("vtime(%v)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestBaudToUnix_Unsupported(t *testing.T) {
	if _, err := baudToUnix(12345); err == nil {
		t.Fatalf("expected error")
	}
}
