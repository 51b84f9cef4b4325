package testhelpers

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrFakeClosed is returned by FakeTransport once it is no longer open.
var ErrFakeClosed = errors.New("fake transport closed")

// FakeTransport is an in-memory socket that records everything sent to it.
// It satisfies registry.Transport.
type FakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	pings       int
	open        bool
	sendErr     error
	pingErr     error
	closeCode   int
	closeReason string
	closed      bool
	terminated  bool
}

// NewFakeTransport returns an open fake transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{open: true}
}

// Send records frame.
func (f *FakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrFakeClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

// Ping records a liveness probe.
func (f *FakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrFakeClosed
	}
	if f.pingErr != nil {
		return f.pingErr
	}
	f.pings++
	return nil
}

// Open reports whether the fake is open.
func (f *FakeTransport) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Close records a graceful close.
func (f *FakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

// Terminate records a forced drop.
func (f *FakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.terminated = true
	return nil
}

// SetOpen flips the open state without recording a close.
func (f *FakeTransport) SetOpen(open bool) {
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
}

// FailSends makes every subsequent Send return err.
func (f *FakeTransport) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// FailPings makes every subsequent Ping return err.
func (f *FakeTransport) FailPings(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

// Frames returns a copy of all recorded frames.
func (f *FakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// Messages decodes every recorded frame as a JSON object.
func (f *FakeTransport) Messages() []map[string]any {
	frames := f.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, frame := range frames {
		var msg map[string]any
		if err := json.Unmarshal(frame, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// Pings returns the number of probes received.
func (f *FakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Closed reports whether Close was called and with which code and reason.
func (f *FakeTransport) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

// Terminated reports whether Terminate was called.
func (f *FakeTransport) Terminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}
