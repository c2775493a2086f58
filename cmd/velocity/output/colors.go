// Package output provides console output formatting and colorization.
package output

import (
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Color schemes
var (
	ColorSuccess = color.New(color.FgGreen)
	ColorError   = color.New(color.FgRed)
	ColorWarning = color.New(color.FgYellow)
	ColorInfo    = color.New(color.FgCyan)
	ColorDim     = color.New(color.Faint)
)

// IsColorEnabled reports whether f should receive colored output.
func IsColorEnabled(f *os.File) bool {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	switch os.Getenv("TERM") {
	case "", "dumb":
		return false
	}
	return true
}

// DisableColors disables all color output
func DisableColors() {
	color.NoColor = true
}
