package speak_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/hark/internal/speak"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

func TestTextOnly_Speak(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	e := speak.NewTextOnly(&out, 0)
	for _, s := range []string{"今天晴。", "明天有雨"} {
		if err := e.Speak(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	if got := out.String(); got != "今天晴。\n明天有雨\n" {
		t.Errorf("output = %q", got)
	}
}

func TestTextOnly_Pacing(t *testing.T) {
	t.Parallel()

	e := speak.NewTextOnly(nil, 10*time.Millisecond)
	start := time.Now()
	if err := e.Speak(context.Background(), "12345"); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 40*time.Millisecond {
		t.Errorf("returned after %s, want about 50ms", d)
	}

	e.SetRate(100)
	start = time.Now()
	_ = e.Speak(context.Background(), "12345")
	if d := time.Since(start); d > 40*time.Millisecond {
		t.Errorf("fast rate took %s", d)
	}
}

func TestTextOnly_StopAndClose(t *testing.T) {
	t.Parallel()

	e := speak.NewTextOnly(nil, time.Second)
	done := make(chan error, 1)
	go func() { done <- e.Speak(context.Background(), "a long sentence") }()

	// Stop may race with Speak registering its cancel func; retry until it
	// lands.
	deadline := time.After(2 * time.Second)
	for {
		_ = e.Stop()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("err = %v, want context.Canceled", err)
			}
			_ = e.Close()
			if err := e.Speak(context.Background(), "x"); !errors.Is(err, tts.ErrUnavailable) {
				t.Errorf("after Close: err = %v", err)
			}
			return
		case <-deadline:
			t.Fatal("Speak did not return after Stop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
