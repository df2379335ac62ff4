// Package registrytest provides an in-memory registry.Transport for tests.
package registrytest

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("registrytest: transport closed")

// Transport records every frame sent to it.
type Transport struct {
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeReason string
	sendErr     error
	notOpen     bool
}

func New() *Transport { return &Transport{} }

func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *Transport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && !t.notOpen
}

func (t *Transport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeReason = reason
	}
	return nil
}

// FailSends makes every subsequent Send return err. A nil err restores
// normal delivery.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// SetOpen overrides the readiness reported by Open without closing.
func (t *Transport) SetOpen(open bool) {
	t.mu.Lock()
	t.notOpen = !open
	t.mu.Unlock()
}

func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

// Strings returns the recorded frames as strings, which keeps assertions short.
func (t *Transport) Strings() []string {
	frames := t.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f)
	}
	return out
}

func (t *Transport) Closed() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeReason
}
