package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/config"
	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/install"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/store"
	"github.com/justbytecode/velocity/version"
)

type addOptions struct {
	dev      bool
	optional bool
	exact    bool
	install  installOptions
}

// NewAddCommand creates the add command.
func NewAddCommand(console *output.Console, global *cli.Options) *cobra.Command {
	opts := &addOptions{}

	cmd := &cobra.Command{
		Use:   "add <package[@range]>...",
		Short: "Add dependencies to package.json and install them",
		Long: `Declares each package in package.json and runs an install. A package
given without a range is added with a caret range on its latest version;
a dist-tag such as "next" is resolved the same way.

package.json is restored when the install fails.

Examples:
  velocity add lodash
  velocity add react@^18.2.0 react-dom@^18.2.0
  velocity add -D typescript
  velocity add -E left-pad@1.3.0`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd.Context(), console, global, opts, args)
		},
	}

	cmd.Flags().BoolVarP(&opts.dev, "dev", "D", false, "Add to devDependencies")
	cmd.Flags().BoolVarP(&opts.optional, "optional", "O", false, "Add to optionalDependencies")
	cmd.Flags().BoolVarP(&opts.exact, "exact", "E", false, "Save the exact version instead of a caret range")
	cmd.Flags().BoolVar(&opts.install.offline, "offline", false, "Use only cached metadata and stored tarballs")

	return cmd
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(console *output.Console, global *cli.Options) *cobra.Command {
	opts := &installOptions{}

	return &cobra.Command{
		Use:     "remove <package>...",
		Aliases: []string{"rm", "uninstall"},
		Short:   "Remove dependencies from package.json and node_modules",
		Long: `Deletes each package from every dependency section of package.json and
runs an install, which prunes it and any dependency nothing else needs.

Examples:
  velocity remove lodash
  velocity rm left-pad is-odd`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dir, err := global.LoadConfig()
			if err != nil {
				return err
			}
			return editAndInstall(cmd.Context(), console, global, opts, dir, func(e *core.ManifestEditor) error {
				removed := 0
				for _, name := range args {
					ok, err := e.Remove(name)
					if err != nil {
						return err
					}
					if !ok {
						console.Warning("%s is not a dependency", name)
						continue
					}
					removed++
				}
				if removed == 0 {
					return &core.Error{Kind: core.PackageNotFound, Package: args[0], Err: errors.New("no listed package is declared in package.json")}
				}
				return nil
			})
		},
	}
}

func (o *addOptions) kind() (core.DependencyKind, error) {
	switch {
	case o.dev && o.optional:
		return 0, errors.New("--dev and --optional are mutually exclusive")
	case o.dev:
		return core.DependencyDev, nil
	case o.optional:
		return core.DependencyOptional, nil
	default:
		return core.DependencyRegular, nil
	}
}

func runAdd(ctx context.Context, console *output.Console, global *cli.Options, opts *addOptions, args []string) error {
	kind, err := opts.kind()
	if err != nil {
		return err
	}
	cfg, dir, err := global.LoadConfig()
	if err != nil {
		return err
	}
	if opts.install.offline {
		cfg.Cache.Offline = true
	}
	logger, err := global.Logger()
	if err != nil {
		return err
	}

	type entry struct{ name, constraint string }
	var entries []entry
	var lookup *rangeLookup
	for _, arg := range args {
		name, constraint, err := core.ParseSpecArg(arg)
		if err != nil {
			return &core.Error{Kind: core.InvalidManifest, Err: err}
		}
		if _, err := version.ParseRange(constraint); err != nil || constraint == "" || constraint == "latest" || opts.exact {
			if lookup == nil {
				if lookup, err = newRangeLookup(cfg, logger); err != nil {
					return err
				}
			}
			if constraint, err = lookup.resolve(ctx, name, constraint, opts.exact); err != nil {
				return err
			}
		}
		entries = append(entries, entry{name, constraint})
	}

	return editAndInstall(ctx, console, global, &opts.install, dir, func(e *core.ManifestEditor) error {
		for _, en := range entries {
			if err := e.Set(kind, en.name, en.constraint); err != nil {
				return err
			}
			console.Printf("  %s %s@%s\n", kind.Section(), en.name, en.constraint)
		}
		return nil
	})
}

// editAndInstall applies edit to the project's package.json, then installs.
// The original manifest is written back if the install fails.
func editAndInstall(ctx context.Context, console *output.Console, global *cli.Options, opts *installOptions, dir string, edit func(*core.ManifestEditor) error) error {
	path := filepath.Join(dir, core.ManifestFile)
	original, err := os.ReadFile(path)
	if err != nil {
		return &core.Error{Kind: core.InvalidManifest, Path: path, Err: err}
	}
	e, err := core.EditManifest(path)
	if err != nil {
		return err
	}
	if err := edit(e); err != nil {
		return err
	}
	if err := e.Save(); err != nil {
		return err
	}

	if err := runInstall(ctx, console, global, opts); err != nil {
		if werr := os.WriteFile(path, original, 0o644); werr != nil {
			console.Warning("could not restore %s: %v", path, werr)
		}
		return err
	}
	return nil
}

// rangeLookup turns a bare name or dist-tag into a saved range using the
// registry's dist-tags.
type rangeLookup struct {
	registry install.Registry
}

func newRangeLookup(cfg *config.Config, logger observability.Logger) (*rangeLookup, error) {
	st, err := store.Open(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}
	client, err := install.NewRegistryClient(cfg, st, logger)
	if err != nil {
		return nil, err
	}
	return &rangeLookup{registry: client}, nil
}

func (l *rangeLookup) resolve(ctx context.Context, name, constraint string, exact bool) (string, error) {
	meta, err := l.registry.FetchMetadata(ctx, name)
	if err != nil {
		return "", err
	}
	tag := constraint
	if tag == "" {
		tag = "latest"
	}
	if v, ok := meta.DistTags[tag]; ok {
		if exact {
			return v, nil
		}
		return "^" + v, nil
	}

	rng, err := version.ParseRange(constraint)
	if err != nil {
		return "", &core.Error{Kind: core.UnresolvableConstraint, Package: name, Err: fmt.Errorf("%q is neither a range nor a dist-tag", constraint)}
	}
	if !exact {
		return constraint, nil
	}
	var versions []*version.Version
	for v := range meta.Versions {
		if pv, err := version.Parse(v); err == nil {
			versions = append(versions, pv)
		}
	}
	best := rng.FindBestMatch(versions)
	if best == nil {
		return "", &core.Error{Kind: core.UnresolvableConstraint, Package: name, Err: fmt.Errorf("no version matches %q", constraint)}
	}
	return best.String(), nil
}
