package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/internal/precache"
	"github.com/spf13/cobra"
)

var ErrAuditFindings = errors.New("precache audit found problems")

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check that the precache list covers the app shell",
	Long: `audit fetches every precache path, the entry page and the web manifest
from the origin. It lists precache paths that would fail install and
same-origin resources the shell references but does not precache.

Nothing is written to any cache.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := InitConfigWithError()
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}

		recorder := metadata.NewRecorder(log.Log)
		auditor := precache.NewAuditor(cfg, newFetcher(cfg, recorder), recorder)
		report, auditErr := auditor.Audit(cmd.Context())
		printReport(cmd.OutOrStdout(), report)

		if auditErr != nil {
			return auditErr
		}
		if !report.OK() {
			return ErrAuditFindings
		}
		return nil
	},
}

func printReport(out io.Writer, report precache.Report) {
	fmt.Fprintf(out, "Origin: %s\n", report.Origin)
	fmt.Fprintf(out, "Precached: %d paths\n", len(report.Precached))
	fmt.Fprintf(out, "Referenced: %d same-origin resources\n", len(report.References))

	if len(report.Broken) > 0 {
		fmt.Fprintln(out, "Broken precache entries:")
		for _, broken := range report.Broken {
			if broken.Status != 0 {
				fmt.Fprintf(out, "  %s (%d %s)\n", broken.Path, broken.Status, broken.Reason)
			} else {
				fmt.Fprintf(out, "  %s (%s)\n", broken.Path, broken.Reason)
			}
		}
	}
	if len(report.Missing) > 0 {
		fmt.Fprintln(out, "Not precached:")
		for _, ref := range report.Missing {
			fmt.Fprintf(out, "  %s (from %s)\n", ref.Path, ref.Source)
		}
	}
	if report.OK() {
		fmt.Fprintln(out, "OK")
	}
}
