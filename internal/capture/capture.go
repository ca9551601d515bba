// Package capture tees the process stdout/stderr into a buffer while still
// passing everything through to the terminal, so a session's output can be
// appended to the logfile afterwards.
package capture

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// Trap is a scoped capture of the stdout and stderr descriptors. Output
// keeps flowing to the original streams while a copy accumulates in the
// trap.
//
// The redirection happens at fd level (the descriptors 1 and 2 are
// replaced), so writers that grabbed os.Stdout or os.Stderr before Start,
// like an already-configured logger, are captured too.
type Trap struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	savedOut, savedErr int
	origOut, origErr   *os.File
	wg                 sync.WaitGroup
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Start redirects the stdout and stderr descriptors through the trap. The
// caller must Close on every exit path.
func Start() (*Trap, error) {
	t := &Trap{savedOut: -1, savedErr: -1}
	sink := &lockedWriter{mu: &t.mu, buf: &t.buf}

	savedOut, err := syscall.Dup(1)
	if err != nil {
		return nil, fmt.Errorf("saving stdout: %w", err)
	}
	savedErr, err := syscall.Dup(2)
	if err != nil {
		_ = syscall.Close(savedOut)
		return nil, fmt.Errorf("saving stderr: %w", err)
	}
	t.savedOut, t.savedErr = savedOut, savedErr
	t.origOut = os.NewFile(uintptr(savedOut), "stdout")
	t.origErr = os.NewFile(uintptr(savedErr), "stderr")

	fail := func(err error) (*Trap, error) {
		t.restore()
		_ = t.origOut.Close()
		_ = t.origErr.Close()
		return nil, err
	}

	rOut, wOut, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	rErr, wErr, err := os.Pipe()
	if err != nil {
		_ = rOut.Close()
		_ = wOut.Close()
		return fail(err)
	}

	if err := syscall.Dup3(int(wOut.Fd()), 1, 0); err != nil {
		return fail(fmt.Errorf("redirecting stdout: %w", err))
	}
	if err := syscall.Dup3(int(wErr.Fd()), 2, 0); err != nil {
		return fail(fmt.Errorf("redirecting stderr: %w", err))
	}
	// The descriptors 1 and 2 now hold the pipes; these handles are spares.
	_ = wOut.Close()
	_ = wErr.Close()

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		_, _ = io.Copy(io.MultiWriter(sink, t.origOut), rOut)
		_ = rOut.Close()
	}()
	go func() {
		defer t.wg.Done()
		_, _ = io.Copy(io.MultiWriter(sink, t.origErr), rErr)
		_ = rErr.Close()
	}()

	return t, nil
}

// Close restores the original descriptors and drains the pipes. Idempotent.
func (t *Trap) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Restoring over fds 1 and 2 closes the pipe write ends, so the copier
	// goroutines see EOF and finish draining.
	t.restore()
	t.wg.Wait()

	_ = t.origOut.Close()
	_ = t.origErr.Close()
	return nil
}

func (t *Trap) restore() {
	if t.savedOut >= 0 {
		_ = syscall.Dup3(t.savedOut, 1, 0)
	}
	if t.savedErr >= 0 {
		_ = syscall.Dup3(t.savedErr, 2, 0)
	}
}

// Bytes returns the output captured so far. Call after Close for the
// complete session output.
func (t *Trap) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.buf.Bytes())
}
