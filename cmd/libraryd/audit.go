package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare every book's cached state with the ledger",
		Long: "Scans all books once and reports books whose cached availability\n" +
			"disagrees with their open ledger entry. Nothing is repaired.\n" +
			"Exits non-zero when a mismatch or read failure is found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.library.NewAuditor(a.logger).RunNow(cmd.Context())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checked %d books in %s\n", report.Checked, report.FinishedAt.Sub(report.StartedAt))
			for _, m := range report.Mismatches {
				fmt.Fprintf(out, "  MISMATCH %s\n", m.Error())
			}
			if report.Failures > 0 {
				fmt.Fprintf(out, "  %d books could not be read\n", report.Failures)
			}
			if !report.Consistent() {
				return errors.New("library state is inconsistent")
			}
			fmt.Fprintln(out, "All books consistent")
			return nil
		},
	}
}
