// Command velocity installs JavaScript dependencies.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/commands"
	"github.com/justbytecode/velocity/cmd/velocity/version"
	"github.com/justbytecode/velocity/core"
)

// Version information (set via ldflags during build)
var (
	buildVersion = "0.0.0-dev"
	commit       = "unknown"
	date         = "unknown"
)

func main() {
	version.Version = buildVersion
	version.Commit = commit
	version.Date = date
	cli.SetupVersion()

	cli.AddCommand(commands.NewInstallCommand(cli.Console, cli.Global))
	cli.AddCommand(commands.NewAddCommand(cli.Console, cli.Global))
	cli.AddCommand(commands.NewRemoveCommand(cli.Console, cli.Global))
	cli.AddCommand(commands.NewUpdateCommand(cli.Console, cli.Global))
	cli.AddCommand(commands.NewAuditCommand(cli.Console, cli.Global))
	cli.AddCommand(commands.NewCacheCommand(cli.Console, cli.Global))
	cli.AddCommand(commands.NewConfigCommand(cli.Console, cli.Global))
	cli.AddCommand(commands.NewVersionCommand(cli.Console))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	if err != nil {
		if interrupted && errors.Is(err, context.Canceled) {
			os.Exit(130) // 128 + SIGINT
		}
		cli.Console.Error("%v", err)
		os.Exit(core.ExitCode(err))
	}
}
