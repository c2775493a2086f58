package commands

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/cmd/velocity/version"
	"github.com/justbytecode/velocity/install"
	"github.com/justbytecode/velocity/observability"
)

type installOptions struct {
	frozenLockfile bool
	offline        bool
	force          bool
	reverify       bool
	production     bool
	metricsAddr    string
}

// NewInstallCommand creates the install command.
func NewInstallCommand(console *output.Console, global *cli.Options) *cobra.Command {
	opts := &installOptions{}

	cmd := &cobra.Command{
		Use:     "install",
		Aliases: []string{"i"},
		Short:   "Install project dependencies",
		Long: `Resolves the dependencies declared in package.json, fetches and verifies
every tarball into the content-addressable store, and links them into
node_modules. velocity.lock is written when the resolution changes.

Examples:
  velocity install
  velocity install --frozen-lockfile
  velocity install --production --offline
  velocity install --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), console, global, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.frozenLockfile, "frozen-lockfile", false, "Fail instead of updating velocity.lock")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use only cached metadata and stored tarballs")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Reinstall even if node_modules is up to date")
	cmd.Flags().BoolVar(&opts.reverify, "reverify", false, "Re-hash stored content and relink every package")
	cmd.Flags().BoolVar(&opts.production, "production", false, "Skip devDependencies")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the install")

	return cmd
}

// runInstall runs the install pipeline. mutate adjusts the installer
// options for commands built on install.
func runInstall(ctx context.Context, console *output.Console, global *cli.Options, opts *installOptions, mutate ...func(*install.Options)) error {
	cfg, dir, err := global.LoadConfig()
	if err != nil {
		return err
	}
	if opts.offline {
		cfg.Cache.Offline = true
	}
	logger, err := global.Logger()
	if err != nil {
		return err
	}

	shutdown, err := observability.SetupTracing(ctx, cfg.TracerConfig(version.Version))
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("Flushing traces failed: {Error}", err)
		}
	}()

	if opts.metricsAddr != "" {
		metricsCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := observability.StartMetricsServer(metricsCtx, opts.metricsAddr); err != nil {
				logger.Warn("Metrics server on {Address} failed: {Error}", opts.metricsAddr, err)
			}
		}()
	}

	instOpts := install.Options{
		Dir:            dir,
		Config:         cfg,
		Production:     opts.production,
		FrozenLockfile: opts.frozenLockfile,
		Force:          opts.force,
		Reverify:       opts.reverify,
		Logger:         logger,
		Console:        console,
	}
	for _, m := range mutate {
		m(&instOpts)
	}
	inst, err := install.New(instOpts)
	if err != nil {
		return err
	}

	status := install.NewTerminalStatus(os.Stderr, install.DefaultTTYDetector)
	res, err := inst.Run(ctx)
	status.Stop()

	renderResult(console, res)
	return err
}

// renderResult prints the outcome of an install.
func renderResult(console *output.Console, res *install.Result) {
	if res == nil {
		return
	}
	for _, w := range res.Warnings {
		console.Warning("%s", w)
	}
	for _, key := range res.ScriptsBlocked {
		console.Warning("lifecycle scripts of %s were not run (not trusted)", key)
	}
	if res.Err != nil {
		return
	}
	if res.UpToDate {
		console.Success("Already up to date")
		return
	}

	console.Success("Installed %d packages in %s", res.Packages, res.Duration.Round(time.Millisecond))
	console.Info("  %d linked, %d from store, %d downloaded (%s), %d removed",
		res.Installed, res.Cached, res.Downloaded, formatBytes(res.DownloadedBytes), res.Removed)
	if len(res.ScriptsAllowed) > 0 {
		console.Detail("  lifecycle scripts allowed for %d packages", len(res.ScriptsAllowed))
	}
	if len(res.Failed) > 0 {
		console.Warning("%d packages were skipped", len(res.Failed))
	}
}
