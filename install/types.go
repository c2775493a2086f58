package install

import (
	"time"
)

// Result summarizes an install.
type Result struct {
	// UpToDate is set when the fingerprint matched and nothing was done.
	UpToDate bool

	// Packages is the number of distinct resolved packages.
	Packages int

	// Installed counts install paths linked in this run.
	Installed int

	// Cached counts packages served from the store without a download.
	Cached int

	// Downloaded counts tarballs fetched from a registry.
	Downloaded int

	// Removed counts install paths pruned.
	Removed int

	DownloadedBytes int64
	Duration        time.Duration

	// Failed lists packages that could not be installed without failing
	// the whole install: optional packages and, with permissive
	// extraction, packages whose tarball was rejected.
	Failed []Failure

	Warnings []string

	// ScriptsAllowed and ScriptsBlocked list "name@version" keys of
	// packages with lifecycle scripts by policy decision.
	ScriptsAllowed []string
	ScriptsBlocked []string

	// Err is the classified error that stopped the install, if any.
	Err error
}

// Failure is a package that was skipped.
type Failure struct {
	Package string
	Version string
	Err     error
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
