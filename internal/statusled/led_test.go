package statusled

import (
	"errors"
	"testing"

	"cansat-groundstation/internal/pipeline"
)

type fakeLine struct {
	values []int
	closed bool
	err    error
}

func (f *fakeLine) SetValue(v int) error {
	if f.err != nil {
		return f.err
	}
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Close() error {
	f.closed = true
	return nil
}

func withFakeLine(t *testing.T, fl *fakeLine) {
	t.Helper()
	old := openLineFn
	openLineFn = func(Config) (outputLine, error) { return fl, nil }
	t.Cleanup(func() { openLineFn = old })
}

func TestLED_FollowsLinkState(t *testing.T) {
	fl := &fakeLine{}
	withFakeLine(t, fl)
	led, err := Open(Config{Chip: "gpiochip0", Line: 17})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	steps := []struct {
		state pipeline.LinkState
		on    bool
	}{
		{pipeline.LinkConnected, true},
		{pipeline.LinkLost, false},
		{pipeline.LinkReconnecting, false},
		{pipeline.LinkConnected, true},
	}
	for i, s := range steps {
		led.OnLink(pipeline.LinkEvent{State: s.state})
		if led.On() != s.on {
			t.Fatalf("step %d: on=%v want %v", i, led.On(), s.on)
		}
	}

	if err := led.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []int{1, 0, 0, 1, 0}
	if len(fl.values) != len(want) {
		t.Fatalf("values=%v want %v", fl.values, want)
	}
	for i := range want {
		if fl.values[i] != want[i] {
			t.Fatalf("values=%v want %v", fl.values, want)
		}
	}
	if !fl.closed {
		t.Fatalf("line not closed")
	}
	if err := led.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLED_SetErrorKeepsState(t *testing.T) {
	fl := &fakeLine{err: errors.New("EBUSY")}
	withFakeLine(t, fl)
	led, err := Open(Config{Line: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	led.OnLink(pipeline.LinkEvent{State: pipeline.LinkConnected})
	if led.On() {
		t.Fatalf("on after failed write")
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(Config{Line: -1}); err == nil {
		t.Fatalf("expected error for negative line")
	}
	old := openLineFn
	openLineFn = func(Config) (outputLine, error) { return nil, errors.New("no chip") }
	defer func() { openLineFn = old }()
	if _, err := Open(Config{Line: 3}); err == nil {
		t.Fatalf("expected open error")
	}
}
