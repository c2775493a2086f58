package install

// Console receives progress lines (injected from the CLI).
type Console interface {
	Printf(format string, args ...any)
	Error(format string, args ...any)
	Warning(format string, args ...any)
}

type nullConsole struct{}

func (nullConsole) Printf(string, ...any)  {}
func (nullConsole) Error(string, ...any)   {}
func (nullConsole) Warning(string, ...any) {}
