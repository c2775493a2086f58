// Package config loads velocity settings from velocity.toml, .velocityrc and
// the environment.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/justbytecode/velocity/auth"
	"github.com/justbytecode/velocity/core"
	vhttp "github.com/justbytecode/velocity/http"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/registry"
	"github.com/justbytecode/velocity/security"
)

// File names read from a project directory.
const (
	FileName = "velocity.toml"
	RCName   = ".velocityrc"
)

// Config is the complete configuration.
type Config struct {
	Registry  RegistryConfig  `toml:"registry" json:"registry"`
	Cache     CacheConfig     `toml:"cache" json:"cache"`
	Security  SecurityConfig  `toml:"security" json:"security"`
	Network   NetworkConfig   `toml:"network" json:"network"`
	Workspace WorkspaceConfig `toml:"workspace" json:"workspace"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`

	// Files lists the configuration files applied, in order.
	Files []string `toml:"-" json:"-"`
}

// RegistryConfig selects registries and credentials.
type RegistryConfig struct {
	URL     string            `toml:"url" json:"url"`
	Scopes  map[string]string `toml:"scopes" json:"scopes"`
	Mirrors []string          `toml:"mirrors" json:"mirrors"`

	// AuthTokens maps a registry host to a bearer token.
	AuthTokens map[string]string `toml:"auth_tokens" json:"auth_tokens"`

	// Auth maps a registry host to full credentials.
	Auth map[string]auth.Credentials `toml:"auth" json:"auth"`
}

// CacheConfig locates and bounds the content store.
type CacheConfig struct {
	Dir         string   `toml:"dir" json:"dir"`
	MaxSize     int64    `toml:"max_size" json:"max_size"`
	MetadataTTL Duration `toml:"metadata_ttl" json:"metadata_ttl"`
	Offline     bool     `toml:"offline" json:"offline"`
}

// SecurityConfig holds install-time security settings.
type SecurityConfig struct {
	RequireIntegrity              bool                `toml:"require_integrity" json:"require_integrity"`
	AllowScripts                  bool                `toml:"allow_scripts" json:"allow_scripts"`
	TrustedScopes                 []string            `toml:"trusted_scopes" json:"trusted_scopes"`
	TrustedPackages               []string            `toml:"trusted_packages" json:"trusted_packages"`
	DependencyConfusionProtection bool                `toml:"dependency_confusion_protection" json:"dependency_confusion_protection"`
	StrictPermissions             bool                `toml:"strict_permissions" json:"strict_permissions"`
	StrictExtraction              bool                `toml:"strict_extraction" json:"strict_extraction"`
	AllowTamperedLockfile         bool                `toml:"allow_tampered_lockfile" json:"allow_tampered_lockfile"`
	Permissions                   map[string][]string `toml:"permissions" json:"permissions"`
}

// NetworkConfig tunes the registry transport.
type NetworkConfig struct {
	Timeout     Duration `toml:"timeout" json:"timeout"`
	Concurrency int      `toml:"concurrency" json:"concurrency"`
	Retries     int      `toml:"retries" json:"retries"`
	HTTP3       bool     `toml:"http3" json:"http3"`
	Proxy       string   `toml:"proxy" json:"proxy"`
}

// WorkspaceConfig controls multi-package projects.
type WorkspaceConfig struct {
	Packages       []string `toml:"packages" json:"packages"`
	Hoist          bool     `toml:"hoist" json:"hoist"`
	SharedLockfile bool     `toml:"shared_lockfile" json:"shared_lockfile"`
}

// TelemetryConfig selects a trace exporter.
type TelemetryConfig struct {
	Exporter string `toml:"exporter" json:"exporter"`
	Endpoint string `toml:"endpoint" json:"endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{URL: registry.DefaultURL},
		Cache: CacheConfig{
			Dir:         DefaultCacheDir(),
			MetadataTTL: Duration{5 * time.Minute},
		},
		Security: SecurityConfig{
			RequireIntegrity:              true,
			DependencyConfusionProtection: true,
			StrictExtraction:              true,
		},
		Network: NetworkConfig{
			Timeout:     Duration{30 * time.Second},
			Concurrency: 16,
			Retries:     3,
		},
		Workspace: WorkspaceConfig{
			Packages:       []string{"packages/*"},
			Hoist:          true,
			SharedLockfile: true,
		},
		Telemetry: TelemetryConfig{Exporter: observability.ExporterNone},
	}
}

// Load reads the configuration for a project: defaults, then the user
// velocity.toml, then the project's velocity.toml and .velocityrc, then
// environment overrides.
func Load(projectDir string) (*Config, error) {
	return LoadWithEnv(projectDir, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(projectDir string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	for _, path := range []string{UserConfigPath(), filepath.Join(projectDir, FileName)} {
		if path == "" {
			continue
		}
		if err := cfg.mergeTOML(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeRC(filepath.Join(projectDir, RCName)); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeTOML(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return invalid(path, err)
	}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return invalid(path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return invalid(path, fmt.Errorf("unknown key %q", undecoded[0].String()))
	}
	c.Files = append(c.Files, path)
	return nil
}

func (c *Config) mergeRC(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return invalid(path, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return invalid(path, err)
	}
	c.Files = append(c.Files, path)
	return nil
}

// Environment variables read by Load.
const (
	EnvRegistry    = "VELOCITY_REGISTRY"
	EnvCacheDir    = "VELOCITY_CACHE_DIR"
	EnvOffline     = "VELOCITY_OFFLINE"
	EnvConcurrency = "VELOCITY_CONCURRENCY"
	EnvTimeout     = "VELOCITY_TIMEOUT"
	EnvRetries     = "VELOCITY_RETRIES"
)

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRegistry); ok && v != "" {
		c.Registry.URL = v
	}
	if v, ok := lookup(EnvCacheDir); ok && v != "" {
		c.Cache.Dir = v
	}
	if v, ok := lookup(EnvOffline); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalid(EnvOffline, err)
		}
		c.Cache.Offline = b
	}
	if v, ok := lookup(EnvConcurrency); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(EnvConcurrency, err)
		}
		c.Network.Concurrency = n
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return invalid(EnvTimeout, err)
		}
		c.Network.Timeout = Duration{d}
	}
	if v, ok := lookup(EnvRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(EnvRetries, err)
		}
		c.Network.Retries = n
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if err := checkURL("registry.url", c.Registry.URL); err != nil {
		return err
	}
	for scope, u := range c.Registry.Scopes {
		if !strings.HasPrefix(scope, "@") {
			return invalid("registry.scopes", fmt.Errorf("scope %q must start with @", scope))
		}
		if err := checkURL("registry.scopes."+scope, u); err != nil {
			return err
		}
	}
	for i, u := range c.Registry.Mirrors {
		if err := checkURL(fmt.Sprintf("registry.mirrors[%d]", i), u); err != nil {
			return err
		}
	}
	if c.Cache.Dir == "" {
		return invalid("cache.dir", fmt.Errorf("must not be empty"))
	}
	if c.Cache.MaxSize < 0 {
		return invalid("cache.max_size", fmt.Errorf("must not be negative"))
	}
	if c.Cache.MetadataTTL.Duration < 0 {
		return invalid("cache.metadata_ttl", fmt.Errorf("must not be negative"))
	}
	if c.Network.Concurrency < 1 {
		return invalid("network.concurrency", fmt.Errorf("must be at least 1, got %d", c.Network.Concurrency))
	}
	if c.Network.Retries < 0 {
		return invalid("network.retries", fmt.Errorf("must not be negative"))
	}
	if c.Network.Timeout.Duration <= 0 {
		return invalid("network.timeout", fmt.Errorf("must be positive"))
	}
	if c.Network.Proxy != "" {
		if err := checkURL("network.proxy", c.Network.Proxy); err != nil {
			return err
		}
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	switch c.Telemetry.Exporter {
	case observability.ExporterNone, observability.ExporterStdout, observability.ExporterOTLP:
	default:
		return invalid("telemetry.exporter", fmt.Errorf("unknown exporter %q", c.Telemetry.Exporter))
	}
	return nil
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid(key, fmt.Errorf("%q is not an http(s) URL", raw))
	}
	return nil
}

func invalid(where string, err error) error {
	return &core.Error{Kind: core.InvalidConfig, Path: where, Err: err}
}

// Policy returns the security policy.
func (c *Config) Policy() (*security.Policy, error) {
	p := &security.Policy{
		AllowScripts:        c.Security.AllowScripts,
		TrustedScopes:       c.Security.TrustedScopes,
		TrustedPackages:     c.Security.TrustedPackages,
		StrictPermissions:   c.Security.StrictPermissions,
		ConfusionProtection: c.Security.DependencyConfusionProtection,
	}
	if len(c.Security.Permissions) > 0 {
		p.Permissions = make(map[string][]security.Permission, len(c.Security.Permissions))
		for name, perms := range c.Security.Permissions {
			for _, s := range perms {
				perm, err := security.ParsePermission(s)
				if err != nil {
					return nil, invalid("security.permissions."+name, err)
				}
				p.Permissions[name] = append(p.Permissions[name], perm)
			}
		}
	}
	return p, nil
}

// RegistryConfig returns the registry client configuration.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		URL:     c.Registry.URL,
		Scopes:  c.Registry.Scopes,
		Mirrors: c.Registry.Mirrors,
		Offline: c.Cache.Offline,
	}
}

// HTTPConfig returns the HTTP client configuration.
func (c *Config) HTTPConfig() (vhttp.Config, error) {
	cfg := vhttp.DefaultConfig()
	cfg.Retry.MaxRetries = c.Network.Retries
	cfg.Retry.AttemptTimeout = c.Network.Timeout.Duration
	cfg.Transport.EnableHTTP3 = c.Network.HTTP3
	cfg.Transport.Proxy = c.Network.Proxy
	cfg.Transport.MaxConnsPerHost = c.Network.Concurrency

	creds := make(map[string]auth.Credentials, len(c.Registry.Auth)+len(c.Registry.AuthTokens))
	for host, tok := range c.Registry.AuthTokens {
		creds[host] = auth.Credentials{Token: tok}
	}
	for host, cr := range c.Registry.Auth {
		creds[host] = cr
	}
	hosts, err := auth.NewHosts(creds)
	if err != nil {
		return cfg, invalid("registry.auth", err)
	}
	cfg.Auth = hosts
	return cfg, nil
}

// TracerConfig returns the tracing configuration.
func (c *Config) TracerConfig(serviceVersion string) observability.TracerConfig {
	tc := observability.DefaultTracerConfig()
	tc.ServiceVersion = serviceVersion
	tc.Exporter = c.Telemetry.Exporter
	tc.Endpoint = c.Telemetry.Endpoint
	return tc
}
