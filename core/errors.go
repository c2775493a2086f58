package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an install failure.
type Kind int

// Error kinds.
const (
	// Unknown is an unclassified failure.
	Unknown Kind = iota

	// NetworkFailure is a transient transport failure left after retries.
	NetworkFailure

	// PackageNotFound means the registry has no such package.
	PackageNotFound

	// UnresolvableConstraint means the resolver exhausted its search space.
	UnresolvableConstraint

	// IntegrityViolation means content did not match its expected digest.
	IntegrityViolation

	// PathTraversal means a tarball entry escaped its extraction root.
	PathTraversal

	// LockfileTampered means the lockfile digest does not match its content.
	LockfileTampered

	// PermissionDenied means a package declared a capability that is not allowed.
	PermissionDenied

	// WorkspaceCycle means local workspace packages depend on each other in a loop.
	WorkspaceCycle

	// DownloadFailed means a tarball could not be fetched after all retries.
	DownloadFailed

	// InvalidManifest means package.json could not be parsed.
	InvalidManifest

	// InvalidConfig means velocity.toml or an override is malformed.
	InvalidConfig
)

var kindNames = map[Kind]string{
	Unknown:                "Unknown",
	NetworkFailure:         "NetworkFailure",
	PackageNotFound:        "PackageNotFound",
	UnresolvableConstraint: "UnresolvableConstraint",
	IntegrityViolation:     "IntegrityViolation",
	PathTraversal:          "PathTraversal",
	LockfileTampered:       "LockfileTampered",
	PermissionDenied:       "PermissionDenied",
	WorkspaceCycle:         "WorkspaceCycle",
	DownloadFailed:         "DownloadFailed",
	InvalidManifest:        "InvalidManifest",
	InvalidConfig:          "InvalidConfig",
}

// String returns the kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error makes a Kind usable as an errors.Is target:
//
//	errors.Is(err, core.IntegrityViolation)
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified failure with the context needed to report it.
type Error struct {
	Kind     Kind
	Package  string
	Version  string
	Expected string
	Actual   string
	Path     string
	Edges    []string // conflicting dependency edges, for UnresolvableConstraint
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())

	if e.Package != "" {
		b.WriteString(": ")
		b.WriteString(e.Package)
		if e.Version != "" {
			b.WriteString("@")
			b.WriteString(e.Version)
		}
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %s)", e.Path)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", e.Expected, e.Actual)
	}
	if len(e.Edges) > 0 {
		fmt.Fprintf(&b, " [conflicting: %s]", strings.Join(e.Edges, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case PackageNotFound, UnresolvableConstraint:
		return 2
	case IntegrityViolation, LockfileTampered, PathTraversal:
		return 3
	case PermissionDenied:
		return 4
	case WorkspaceCycle, InvalidManifest, InvalidConfig:
		return 5
	case NetworkFailure, DownloadFailed:
		return 6
	default:
		return 1
	}
}
