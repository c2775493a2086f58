package security

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/justbytecode/velocity/core"
)

// Permission is a capability a package may declare.
type Permission string

// Known permissions.
const (
	Filesystem   Permission = "filesystem"
	Network      Permission = "network"
	Scripts      Permission = "scripts"
	Environment  Permission = "environment"
	ChildProcess Permission = "child_process"
)

var permissions = []Permission{Filesystem, Network, Scripts, Environment, ChildProcess}

// ParsePermission validates a permission name.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(permissions, p) {
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// DefaultAllowed is granted to every package.
var DefaultAllowed = []Permission{Filesystem}

// ScriptDecision is the outcome of the lifecycle script policy.
type ScriptDecision int

const (
	// ScriptsNone means the package has no lifecycle scripts.
	ScriptsNone ScriptDecision = iota
	// ScriptsAllowed means its scripts may run.
	ScriptsAllowed
	// ScriptsBlocked means its scripts must not run.
	ScriptsBlocked
)

func (d ScriptDecision) String() string {
	switch d {
	case ScriptsAllowed:
		return "allowed"
	case ScriptsBlocked:
		return "blocked"
	default:
		return "none"
	}
}

// Policy holds the install-time security settings.
type Policy struct {
	AllowScripts    bool
	TrustedScopes   []string
	TrustedPackages []string

	// Permissions grants extra capabilities by package name or "@scope".
	Permissions map[string][]Permission

	// StrictPermissions makes undeclared capabilities fatal.
	StrictPermissions bool

	// ConfusionProtection enables dependency-confusion name checks.
	ConfusionProtection bool
}

// Trusted reports whether name or its scope is trusted.
func (p *Policy) Trusted(name string) bool {
	if slices.Contains(p.TrustedPackages, name) {
		return true
	}
	scope := core.Scope(name)
	return scope != "" && slices.Contains(p.TrustedScopes, scope)
}

// ScriptDecision decides whether a package's lifecycle scripts may run.
// Scripts are denied unless globally allowed or the package is trusted.
func (p *Policy) ScriptDecision(name string, hasScripts bool) ScriptDecision {
	if !hasScripts {
		return ScriptsNone
	}
	if p.AllowScripts || p.Trusted(name) {
		return ScriptsAllowed
	}
	return ScriptsBlocked
}

// Allowed returns the capabilities granted to name.
func (p *Policy) Allowed(name string) []Permission {
	allowed := slices.Clone(DefaultAllowed)
	allowed = append(allowed, p.Permissions[name]...)
	if scope := core.Scope(name); scope != "" {
		allowed = append(allowed, p.Permissions[scope]...)
	}
	return allowed
}

// CheckPermissions compares declared capabilities with the allow-list.
// Trusted packages pass. Unknown capability names are denied.
func (p *Policy) CheckPermissions(name string, declared []string) error {
	if len(declared) == 0 || p.Trusted(name) {
		return nil
	}
	allowed := p.Allowed(name)

	var denied []string
	for _, d := range declared {
		perm, err := ParsePermission(d)
		if err != nil || !slices.Contains(allowed, perm) {
			denied = append(denied, d)
		}
	}
	if len(denied) == 0 {
		return nil
	}
	sort.Strings(denied)
	return &core.Error{
		Kind:    core.PermissionDenied,
		Package: name,
		Err:     fmt.Errorf("capabilities not allowed: %s", strings.Join(denied, ", ")),
	}
}
