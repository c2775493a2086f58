package commands

import (
	"github.com/spf13/cobra"

	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/install"
)

// NewUpdateCommand creates the update command.
func NewUpdateCommand(console *output.Console, global *cli.Options) *cobra.Command {
	opts := &installOptions{}

	cmd := &cobra.Command{
		Use:     "update [packages...]",
		Aliases: []string{"up", "upgrade"},
		Short:   "Update packages to the newest versions their ranges allow",
		Long: `Ignores the locked versions of the named packages, or of every package
when none are named, resolves them again and installs the result.
Ranges in package.json are not changed.

Examples:
  velocity update
  velocity update react react-dom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), console, global, opts, func(o *install.Options) {
				o.Update = args
				o.UpdateAll = len(args) == 0
			})
		},
	}

	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use only cached metadata and stored tarballs")
	cmd.Flags().BoolVar(&opts.production, "production", false, "Skip devDependencies")

	return cmd
}
