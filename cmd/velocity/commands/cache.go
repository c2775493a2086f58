package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/store"
)

// NewCacheCommand creates the cache command with list/verify/clean/prune
// subcommands.
func NewCacheCommand(console *output.Console, global *cli.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the package store",
		Long: `Inspects and maintains the content-addressable package store.

This command has four subcommands:
  - list:   List stored tarballs
  - verify: Re-hash every stored tarball
  - clean:  Remove everything from the store
  - prune:  Evict least recently used objects down to a size

Examples:
  velocity cache list
  velocity cache verify
  velocity cache prune --max-size 2147483648`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newCacheListCommand(console, global))
	cmd.AddCommand(newCacheVerifyCommand(console, global))
	cmd.AddCommand(newCacheCleanCommand(console, global))
	cmd.AddCommand(newCachePruneCommand(console, global))

	return cmd
}

func openStore(global *cli.Options) (*store.Store, int64, error) {
	cfg, _, err := global.LoadConfig()
	if err != nil {
		return nil, 0, err
	}
	st, err := store.Open(cfg.Cache.Dir)
	if err != nil {
		return nil, 0, err
	}
	return st, cfg.Cache.MaxSize, nil
}

func newCacheListCommand(console *output.Console, global *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored tarballs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(global)
			if err != nil {
				return err
			}
			objects, err := st.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(console.Out(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DIGEST\tSIZE\tEXTRACTED\tLAST USED")
			var total int64
			for _, o := range objects {
				extracted := "-"
				if o.Extracted {
					extracted = formatBytes(o.ExtractedSize)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Digest[:16], formatBytes(o.Size), extracted,
					o.LastUsed.Format(time.DateTime))
				total += o.Size + o.ExtractedSize
			}
			if err := w.Flush(); err != nil {
				return err
			}
			console.Info("%d objects, %s in %s", len(objects), formatBytes(total), st.Dir())
			return nil
		},
	}
}

func newCacheVerifyCommand(console *output.Console, global *cli.Options) *cobra.Command {
	var evict bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every stored tarball",
		Long: `Re-hashes every stored tarball and reports objects whose content no longer
matches their digest. With --evict, corrupt objects are removed so the next
install downloads them again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(global)
			if err != nil {
				return err
			}
			objects, err := st.List()
			if err != nil {
				return err
			}

			var corrupt int
			for _, o := range objects {
				if err := st.Verify(o.Digest); err != nil {
					if !errors.Is(err, core.IntegrityViolation) {
						return err
					}
					corrupt++
					console.Error("%s", err)
					if evict {
						if err := st.Evict(o.Digest); err != nil {
							return err
						}
					}
				}
			}
			if corrupt > 0 {
				return &core.Error{Kind: core.IntegrityViolation, Path: st.Dir(),
					Err: fmt.Errorf("%d of %d objects are corrupt", corrupt, len(objects))}
			}
			console.Success("Verified %d objects", len(objects))
			return nil
		},
	}

	cmd.Flags().BoolVar(&evict, "evict", false, "Remove corrupt objects")
	return cmd
}

func newCacheCleanCommand(console *output.Console, global *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove everything from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(global)
			if err != nil {
				return err
			}
			if err := st.Clean(); err != nil {
				return err
			}
			console.Success("Cleaned %s", st.Dir())
			return nil
		},
	}
}

func newCachePruneCommand(console *output.Console, global *cli.Options) *cobra.Command {
	var maxSize int64

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict least recently used objects",
		Long: `Evicts least recently used objects until the store fits in --max-size bytes,
defaulting to cache.max_size from velocity.toml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, configured, err := openStore(global)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-size") {
				maxSize = configured
			}
			if maxSize <= 0 {
				return errors.New("no size limit: set cache.max_size or pass --max-size")
			}
			evicted, freed, err := st.Prune(maxSize)
			if err != nil {
				return err
			}
			console.Success("Evicted %d objects, freed %s", len(evicted), formatBytes(freed))
			return nil
		},
	}

	cmd.Flags().Int64Var(&maxSize, "max-size", 0, "Target store size in bytes")
	return cmd
}
