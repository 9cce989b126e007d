package transport

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// FakePort is an in-memory SerialPort for tests: writes go to an internal
// buffer any test can inspect (Written), and test code feeds inbound
// bytes via Feed.
type FakePort struct {
	mu      sync.Mutex
	written bytes.Buffer
	inbound chan []byte
	closed  bool
}

func NewFakePort() *FakePort {
	return &FakePort{inbound: make(chan []byte, 256)}
}

func (f *FakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.written.Write(p)
	return len(p), nil
}

func (f *FakePort) Read(p []byte) (int, error) {
	b, ok := <-f.inbound
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, b)
	return n, nil
}

func (f *FakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbound)
	return nil
}

// Feed pushes one line to the read side, as if the controller had sent it.
// A "\n" terminator is appended when line does not already end in one, so
// callers may pass a bare line ("ok") or a terminated one ("ok\r\n").
func (f *FakePort) Feed(line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	f.inbound <- []byte(line)
}

// Written returns everything written so far.
func (f *FakePort) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

// OpenFunc returns an OpenFunc that always returns this fake port,
// regardless of portPath/baud/framing — for wiring into transport.Open in
// tests.
func (f *FakePort) OpenFunc() OpenFunc {
	return func(string, int, Framing) (SerialPort, error) {
		return f, nil
	}
}
