package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/justbytecode/velocity/cmd/velocity/cli"
	"github.com/justbytecode/velocity/cmd/velocity/output"
	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/install"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(console *output.Console, global *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check locked packages against the security policy",
		Long: `Applies the security policy to every package in velocity.lock without
installing anything: suspicious names, lifecycle script decisions and
undeclared capabilities are reported.

The command fails when a finding would also fail an install, for
example an undeclared capability with strict_permissions set.

Examples:
  velocity audit
  velocity audit -C packages/web`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := global.LoadConfig()
			if err != nil {
				return err
			}
			logger, err := global.Logger()
			if err != nil {
				return err
			}
			inst, err := install.New(install.Options{Dir: dir, Config: cfg, Logger: logger, Console: console})
			if err != nil {
				return err
			}
			report, err := inst.Audit(cmd.Context())
			if err != nil {
				return err
			}
			renderAudit(console, report)

			if report.Blocking() {
				return &core.Error{Kind: core.PermissionDenied, Err: fmt.Errorf("audit found blocking issues")}
			}
			return nil
		},
	}
}

func renderAudit(console *output.Console, report *install.AuditReport) {
	if len(report.Findings) == 0 {
		console.Success("Audited %d packages, no issues found", report.Packages)
	} else {
		w := tabwriter.NewWriter(console.Out(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PACKAGE\tCHECK\tFINDING")
		for _, f := range report.Findings {
			msg := f.Message
			if f.Blocking {
				msg += " (blocking)"
			}
			fmt.Fprintf(w, "%s@%s\t%s\t%s\n", f.Package, f.Version, f.Check, msg)
		}
		_ = w.Flush()
		console.Warning("Audited %d packages, %d findings", report.Packages, len(report.Findings))
	}
	if len(report.ScriptsAllowed) > 0 {
		console.Info("lifecycle scripts allowed for: %v", report.ScriptsAllowed)
	}
}
