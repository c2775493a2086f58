package cli

import "github.com/justbytecode/velocity/cmd/velocity/version"

// GetVersion returns the version string.
func GetVersion() string {
	return version.Version
}

// GetFullVersion returns detailed version information
func GetFullVersion() string {
	return version.FullInfo()
}
