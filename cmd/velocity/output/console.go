package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Verbosity levels
type Verbosity int

const (
	// VerbosityQuiet shows errors only
	VerbosityQuiet Verbosity = iota
	// VerbosityNormal shows errors, warnings and the install summary (default)
	VerbosityNormal
	// VerbosityDetailed shows above + per-package changes
	VerbosityDetailed
)

// ParseVerbosity maps a flag value to a Verbosity.
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(s) {
	case "q", "quiet":
		return VerbosityQuiet, nil
	case "", "n", "normal":
		return VerbosityNormal, nil
	case "d", "detailed":
		return VerbosityDetailed, nil
	default:
		return VerbosityNormal, fmt.Errorf("unknown verbosity %q (quiet, normal, detailed)", s)
	}
}

// Console writes user-facing output. Errors and warnings go to the error
// stream; everything else to the output stream.
type Console struct {
	out       io.Writer
	err       io.Writer
	verbosity Verbosity
	mu        sync.Mutex
	colors    bool
}

// NewConsole creates a console. Colors are used only when out is a
// terminal that accepts them.
func NewConsole(out, err io.Writer, verbosity Verbosity) *Console {
	f, _ := out.(*os.File)
	c := &Console{
		out:       out,
		err:       err,
		verbosity: verbosity,
		colors:    IsColorEnabled(f),
	}
	if !c.colors {
		DisableColors()
	}
	return c
}

// DefaultConsole creates a console with stdout/stderr and normal verbosity
func DefaultConsole() *Console {
	return NewConsole(os.Stdout, os.Stderr, VerbosityNormal)
}

// SetVerbosity sets the verbosity level
func (c *Console) SetVerbosity(v Verbosity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verbosity = v
}

// Verbosity returns the current verbosity level
func (c *Console) Verbosity() Verbosity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verbosity
}

// Out returns the output stream.
func (c *Console) Out() io.Writer {
	return c.out
}

// Println writes a line to output regardless of verbosity.
func (c *Console) Println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, a...)
}

// Printf writes a per-package progress line. It is shown only at detailed
// verbosity; a missing trailing newline is added.
func (c *Console) Printf(format string, a ...any) {
	c.write(VerbosityDetailed, c.out, nil, "", format, a...)
}

// Success writes a success message (green)
func (c *Console) Success(format string, a ...any) {
	c.write(VerbosityNormal, c.out, ColorSuccess, "", format, a...)
}

// Info writes an informational message (cyan)
func (c *Console) Info(format string, a ...any) {
	c.write(VerbosityNormal, c.out, ColorInfo, "", format, a...)
}

// Detail writes a dimmed message shown at detailed verbosity.
func (c *Console) Detail(format string, a ...any) {
	c.write(VerbosityDetailed, c.out, ColorDim, "", format, a...)
}

// Warning writes a warning message (yellow)
func (c *Console) Warning(format string, a ...any) {
	c.write(VerbosityNormal, c.err, ColorWarning, "Warning: ", format, a...)
}

// Error writes an error message (red). Errors are never suppressed.
func (c *Console) Error(format string, a ...any) {
	c.write(VerbosityQuiet, c.err, ColorError, "Error: ", format, a...)
}

func (c *Console) write(min Verbosity, w io.Writer, col *color.Color, prefix, format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verbosity < min {
		return
	}
	msg := prefix + fmt.Sprintf(format, a...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	if c.colors && col != nil {
		_, _ = col.Fprint(w, msg)
		return
	}
	_, _ = io.WriteString(w, msg)
}
