package install

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

// TTYDetector detects whether an io.Writer is a terminal and gets its
// dimensions. This interface allows mocking in tests.
type TTYDetector interface {
	IsTTY(w io.Writer) bool
	GetSize(w io.Writer) (width, height int, err error)
}

// RealTTYDetector uses golang.org/x/term.
type RealTTYDetector struct{}

// IsTTY returns true if w is a terminal.
func (d *RealTTYDetector) IsTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// GetSize returns the terminal dimensions.
func (d *RealTTYDetector) GetSize(w io.Writer) (width, height int, err error) {
	if f, ok := w.(*os.File); ok {
		return term.GetSize(int(f.Fd()))
	}
	return 0, 0, os.ErrInvalid
}

// DefaultTTYDetector is the detector used in production.
var DefaultTTYDetector TTYDetector = &RealTTYDetector{}

// TerminalStatus draws a right-aligned "Installing (X.Xs)" timer on a
// terminal while an install runs. On anything but a TTY it does nothing.
type TerminalStatus struct {
	output io.Writer
	isTTY  bool
	width  int
	ticker *time.Ticker
	start  time.Time
	done   chan struct{}
	once   sync.Once
}

// NewTerminalStatus starts a status line on output.
func NewTerminalStatus(output io.Writer, detector TTYDetector) *TerminalStatus {
	if detector == nil {
		detector = DefaultTTYDetector
	}
	t := &TerminalStatus{
		output: output,
		isTTY:  detector.IsTTY(output),
		width:  120,
		start:  time.Now(),
		done:   make(chan struct{}),
	}
	if t.isTTY {
		if w, _, err := detector.GetSize(output); err == nil && w > 0 {
			t.width = w
		}
		t.ticker = time.NewTicker(100 * time.Millisecond)
		go t.updateLoop()
	}
	return t
}

func (t *TerminalStatus) updateLoop() {
	for {
		select {
		case <-t.ticker.C:
			t.updateStatus()
		case <-t.done:
			return
		}
	}
}

func (t *TerminalStatus) updateStatus() {
	status := fmt.Sprintf("Installing (%.1fs)", time.Since(t.start).Seconds())
	column := min(t.width, 120)
	// Hide cursor, move to the column, step back, write, return, show cursor.
	_, _ = fmt.Fprintf(t.output, "\x1B[?25l\x1B[%dG\x1B[%dD%s\r\x1B[?25h", column, len(status), status)
}

// Stop stops the timer and clears the status line. Safe to call more
// than once.
func (t *TerminalStatus) Stop() {
	t.once.Do(func() {
		if t.ticker != nil {
			t.ticker.Stop()
			close(t.done)
		}
		if t.isTTY {
			_, _ = fmt.Fprint(t.output, "\x1B[K")
		}
	})
}

// Elapsed returns the time since the status started.
func (t *TerminalStatus) Elapsed() time.Duration {
	return time.Since(t.start)
}

// IsTTY reports whether output is a terminal.
func (t *TerminalStatus) IsTTY() bool {
	return t.isTTY
}
