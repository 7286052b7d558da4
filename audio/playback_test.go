package audio_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lisuiheng/realtime-go/audio"
	"github.com/lisuiheng/realtime-go/audio/mock"
	"github.com/lisuiheng/realtime-go/metrics"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestController(t *testing.T, limit int) *audio.PlaybackController {
	t.Helper()
	m, err := metrics.New(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return audio.NewPlaybackController(audio.PlaybackConfig{QueueLimit: limit}, logger, m)
}

// runController starts Run in the background and returns a channel carrying
// its result. Cleanup waits for Run to return even when the test consumed
// the result itself.
func runController(t *testing.T, p *audio.PlaybackController, out audio.OutputDevice) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- p.Run(ctx, out)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
	return cancel, done
}

func TestPlaybackController_InitialState(t *testing.T) {
	t.Parallel()
	p := newTestController(t, 0)
	if p.State() != audio.StatePlaying {
		t.Errorf("initial state = %v; want playing", p.State())
	}
	if p.Len() != 0 {
		t.Errorf("initial Len = %d; want 0", p.Len())
	}
}

func TestPlaybackController_FIFO(t *testing.T) {
	t.Parallel()

	p := newTestController(t, 0)
	frames := [][]byte{{1, 1}, {2, 2}, {3, 3}}
	for _, f := range frames {
		p.Enqueue(f)
	}

	out := mock.NewOutput()
	runController(t, p, out)

	if !out.WaitFrames(3, 2*time.Second) {
		t.Fatalf("written %d frames; want 3", len(out.Frames()))
	}
	got := out.Frames()
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Errorf("frame %d = %v; want %v", i, got[i], frames[i])
		}
	}
}

func TestPlaybackController_InterruptClearsAndPauses(t *testing.T) {
	t.Parallel()

	p := newTestController(t, 0)
	p.Enqueue([]byte{1, 1})
	p.Enqueue([]byte{2, 2})
	p.Enqueue([]byte{3, 3})

	if n := p.Interrupt(); n != 3 {
		t.Errorf("Interrupt discarded %d; want 3", n)
	}
	if p.Len() != 0 {
		t.Errorf("Len after interrupt = %d; want 0", p.Len())
	}
	if p.State() != audio.StatePaused || !p.Paused() {
		t.Errorf("state after interrupt = %v; want paused", p.State())
	}

	out := mock.NewOutput()
	runController(t, p, out)
	p.Resume()
	p.Enqueue([]byte{9, 9})

	if !out.WaitFrames(1, 2*time.Second) {
		t.Fatal("frame enqueued after resume was not played")
	}
	for _, f := range out.Frames() {
		if f[0] != 9 {
			t.Errorf("frame queued before interrupt was played: %v", f)
		}
	}
}

func TestPlaybackController_PauseGatesDequeue(t *testing.T) {
	t.Parallel()

	p := newTestController(t, 0)
	p.Interrupt()
	p.Enqueue([]byte{1, 1})
	p.Enqueue([]byte{2, 2})

	out := mock.NewOutput()
	runController(t, p, out)

	if out.WaitFrames(1, 100*time.Millisecond) {
		t.Fatal("frame written while paused")
	}
	if p.Len() != 2 {
		t.Errorf("Len while paused = %d; want 2", p.Len())
	}

	p.Resume()
	if !out.WaitFrames(2, 2*time.Second) {
		t.Fatalf("written %d frames after resume; want 2", len(out.Frames()))
	}
}

func TestPlaybackController_QueueLimitDropsOldest(t *testing.T) {
	t.Parallel()

	p := newTestController(t, 2)
	p.Interrupt()
	p.Enqueue([]byte{1, 1})
	p.Enqueue([]byte{2, 2})
	p.Enqueue([]byte{3, 3})

	if p.Len() != 2 {
		t.Fatalf("Len = %d; want 2", p.Len())
	}

	out := mock.NewOutput()
	runController(t, p, out)
	p.Resume()

	if !out.WaitFrames(2, 2*time.Second) {
		t.Fatal("frames not played")
	}
	got := out.Frames()
	if got[0][0] != 2 || got[1][0] != 3 {
		t.Errorf("played %v; want frames 2 then 3", got)
	}
}

func TestPlaybackController_EmptyFrameIgnored(t *testing.T) {
	t.Parallel()
	p := newTestController(t, 0)
	p.Enqueue(nil)
	p.Enqueue([]byte{})
	if p.Len() != 0 {
		t.Errorf("Len = %d; want 0", p.Len())
	}
}

func TestPlaybackController_UnderflowIsTransient(t *testing.T) {
	t.Parallel()

	p := newTestController(t, 0)
	out := mock.NewOutput()
	out.WriteErrors = []error{audio.ErrOutputUnderflowed}
	p.Enqueue([]byte{1, 1})
	p.Enqueue([]byte{2, 2})

	runController(t, p, out)
	if !out.WaitFrames(2, 2*time.Second) {
		t.Fatalf("written %d frames; want 2", len(out.Frames()))
	}
}

func TestPlaybackController_DeviceErrorStopsLoop(t *testing.T) {
	t.Parallel()

	p := newTestController(t, 0)
	out := mock.NewOutput()
	out.WriteErrors = []error{errors.New("device unplugged")}
	p.Enqueue([]byte{1, 1})

	_, done := runController(t, p, out)
	select {
	case err := <-done:
		if !errors.Is(err, audio.ErrDevice) {
			t.Errorf("Run error = %v; want ErrDevice", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on device error")
	}
	if !out.Closed() {
		t.Error("output device not closed after loop exit")
	}

	// Frames arriving after the loop stopped are discarded, not queued.
	p.Enqueue([]byte{2, 2})
	if p.Len() != 0 {
		t.Errorf("Len after loop exit = %d; want 0", p.Len())
	}
}

func TestPlaybackController_CancelReleasesDevice(t *testing.T) {
	t.Parallel()

	p := newTestController(t, 0)
	out := mock.NewOutput()
	cancel, done := runController(t, p, out)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if !out.Closed() {
		t.Error("output device not closed after cancel")
	}
}
