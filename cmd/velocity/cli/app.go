// Package cli holds the velocity root command and its global flags.
package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/config"
	"github.com/justbytecode/velocity/observability"
)

// Options are the flags shared by every subcommand.
type Options struct {
	// Dir is the project directory. Empty means the nearest directory
	// above the working directory holding package.json or velocity.toml.
	Dir string

	// LogLevel selects the structured log level written to stderr.
	LogLevel string

	// Verbosity selects how much console output is shown.
	Verbosity string
}

// ProjectDir returns the absolute project directory.
func (o *Options) ProjectDir() (string, error) {
	if o.Dir != "" {
		return filepath.Abs(o.Dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.FindProjectRoot(wd), nil
}

// Logger builds the structured logger for LogLevel. Without a level only
// warnings and errors are logged.
func (o *Options) Logger() (observability.Logger, error) {
	if o.LogLevel == "" {
		return observability.NewDefaultLogger(), nil
	}
	level, err := observability.ParseLogLevel(o.LogLevel)
	if err != nil {
		return nil, err
	}
	return observability.NewLogger(os.Stderr, level), nil
}

// LoadConfig loads the merged configuration for the project directory.
func (o *Options) LoadConfig() (*config.Config, string, error) {
	dir, err := o.ProjectDir()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

var rootCmd = &cobra.Command{
	Use:   "velocity",
	Short: "Fast, secure package manager for JavaScript projects",
	Long: `velocity installs the dependencies of a package.json project into
node_modules from a shared content-addressable store.

Every tarball is verified against its published integrity before it is
stored or linked, and installs are reproducible from velocity.lock.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := output.ParseVerbosity(Global.Verbosity)
		if err != nil {
			return err
		}
		Console.SetVerbosity(v)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Console is the global console for CLI commands
var Console *output.Console

// Global holds the values of the persistent flags.
var Global = &Options{}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	Console = output.DefaultConsole()

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&Global.Dir, "dir", "C", "", "Project directory (default: nearest directory with package.json)")
	flags.StringVar(&Global.LogLevel, "log-level", "warn", "Log level: verbose, debug, info, warn, error")
	flags.StringVarP(&Global.Verbosity, "verbosity", "v", "normal", "Console verbosity: quiet, normal, detailed")
}

// SetupVersion configures version information after variables are set
func SetupVersion() {
	rootCmd.SetVersionTemplate(GetFullVersion() + "\n")
	rootCmd.Version = GetVersion()
}

// AddCommand adds a command to the root command
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}
