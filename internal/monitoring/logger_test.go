package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...any) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op rather than restoring the previous logger
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}

func TestComponent(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Component("TrainingRunner")

	var got string
	SetLogger(func(format string, v ...any) {
		got = fmt.Sprintf(format, v...)
	})
	logf("job %s for user=%s", "j1", "alice")
	if want := "[TrainingRunner] job j1 for user=alice"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// Swapping the logger after Component was called still takes effect.
	SetLogger(nil)
	got = ""
	logf("ignored")
	if got != "" {
		t.Errorf("expected muted logger, got %q", got)
	}
}
