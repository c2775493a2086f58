package commands

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/justbytecode/velocity/auth"
	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/config"
)

const redacted = "********"

// NewConfigCommand creates the config command with show/paths subcommands.
func NewConfigCommand(console *output.Console, global *cli.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Shows the configuration velocity uses for a project: built-in defaults merged
with the user and project velocity.toml, .velocityrc and VELOCITY_*
environment variables.

Examples:
  velocity config show
  velocity config paths`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newConfigShowCommand(console, global))
	cmd.AddCommand(newConfigPathsCommand(console, global))

	return cmd
}

func newConfigShowCommand(console *output.Console, global *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := global.LoadConfig()
			if err != nil {
				return err
			}
			return toml.NewEncoder(console.Out()).Encode(redact(cfg))
		},
	}
}

func newConfigPathsCommand(console *output.Console, global *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "List the configuration files that were applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := global.LoadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Files) == 0 {
				console.Info("No configuration files found; using defaults")
				return nil
			}
			for _, f := range cfg.Files {
				console.Println(f)
			}
			return nil
		},
	}
}

// redact returns a copy of cfg with credentials masked.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	if len(cfg.Registry.AuthTokens) > 0 {
		out.Registry.AuthTokens = make(map[string]string, len(cfg.Registry.AuthTokens))
		for host := range cfg.Registry.AuthTokens {
			out.Registry.AuthTokens[host] = redacted
		}
	}
	if len(cfg.Registry.Auth) > 0 {
		out.Registry.Auth = make(map[string]auth.Credentials, len(cfg.Registry.Auth))
		for host, c := range cfg.Registry.Auth {
			out.Registry.Auth[host] = auth.Credentials{
				Token:    mask(c.Token),
				Username: c.Username,
				Password: mask(c.Password),
				Auth:     mask(c.Auth),
			}
		}
	}
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}
