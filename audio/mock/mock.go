// Package mock provides in-memory audio devices for tests.
//
// Both devices are safe for concurrent use and record what happened to them
// so tests can assert on reads, writes and closes.
package mock

import (
	"sync"
	"time"

	"github.com/lisuiheng/realtime-go/audio"
)

// Read is one scripted result of [Capture.Read].
type Read struct {
	Data []byte
	Err  error
}

// Capture is a scripted [audio.CaptureDevice]. Each Read consumes the next
// scripted entry; once the script is exhausted Read blocks until Close.
type Capture struct {
	mu     sync.Mutex
	script []Read
	reads  int

	closeOnce sync.Once
	closed    chan struct{}
}

var _ audio.CaptureDevice = (*Capture)(nil)

func NewCapture(script ...Read) *Capture {
	return &Capture{
		script: script,
		closed: make(chan struct{}),
	}
}

func (c *Capture) Read(frame []byte) error {
	c.mu.Lock()
	if len(c.script) > 0 {
		r := c.script[0]
		c.script = c.script[1:]
		c.reads++
		c.mu.Unlock()
		copy(frame, r.Data)
		return r.Err
	}
	c.mu.Unlock()

	<-c.closed
	return audio.ErrDeviceClosed
}

func (c *Capture) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Reads returns how many scripted reads were consumed.
func (c *Capture) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Closed reports whether Close was called.
func (c *Capture) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Output is an [audio.OutputDevice] that records every written frame.
type Output struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool

	// WriteErrors are returned by successive Write calls; nil entries and an
	// exhausted list mean success.
	WriteErrors []error

	// Gate, when non-nil, makes Write block until a value is received.
	Gate chan struct{}

	written chan struct{}
}

var _ audio.OutputDevice = (*Output)(nil)

func NewOutput() *Output {
	return &Output{written: make(chan struct{}, 1024)}
}

func (o *Output) Write(frame []byte) error {
	if o.Gate != nil {
		<-o.Gate
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	var err error
	if len(o.WriteErrors) > 0 {
		err = o.WriteErrors[0]
		o.WriteErrors = o.WriteErrors[1:]
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	o.frames = append(o.frames, cp)
	o.mu.Unlock()

	select {
	case o.written <- struct{}{}:
	default:
	}
	return err
}

func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Frames returns copies of all written frames in write order.
func (o *Output) Frames() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.frames))
	copy(out, o.frames)
	return out
}

func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// WaitFrames blocks until at least n frames were written or timeout elapses.
// It reports whether n frames were seen.
func (o *Output) WaitFrames(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(o.Frames()) >= n {
			return true
		}
		select {
		case <-o.written:
		case <-deadline:
			return len(o.Frames()) >= n
		}
	}
}
