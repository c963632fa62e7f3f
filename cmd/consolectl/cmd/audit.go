package cmd

import (
	"fmt"

	"github.com/ldapconsole/api/internal/audit"
	"github.com/spf13/cobra"
)

var (
	flagDays    int
	flagArchive bool
	flagFilter  string
	flagResult  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the audit log",
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete audit events older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		days := flagDays
		if days <= 0 {
			days = cfg.Audit.RetentionDays
		}
		if days <= 0 {
			return fmt.Errorf("retention days must be positive")
		}

		var up audit.Uploader
		if flagArchive {
			if a.Archive == nil {
				return fmt.Errorf("archive storage is not configured")
			}
			if err := a.Archive.EnsureBucket(cmd.Context()); err != nil {
				return err
			}
			up = a.Archive
		}

		removed, err := a.Audit.ArchiveAndCleanup(cmd.Context(), up, days)
		if err != nil {
			return fmt.Errorf("cleaning audit log: %w", err)
		}

		if flagJSON {
			return printJSON(map[string]interface{}{"days": days, "removed": removed})
		}
		fmt.Printf("Removed %d audit event(s) older than %d day(s)\n", removed, days)
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write matching audit events as CSV to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Audit.ExportCSV(cmd.Context(), audit.Filter{
			Text:   flagFilter,
			Result: audit.Result(flagResult),
		})
		if err != nil {
			return fmt.Errorf("exporting audit log: %w", err)
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	auditCleanupCmd.Flags().IntVar(&flagDays, "days", 0, "Retention in days (default: from config)")
	auditCleanupCmd.Flags().BoolVar(&flagArchive, "archive", false, "Upload removed events to archive storage first")
	auditExportCmd.Flags().StringVar(&flagFilter, "filter", "", "Case-insensitive substring to match")
	auditExportCmd.Flags().StringVar(&flagResult, "result", "", "Only events with this result (success, failure)")

	auditCmd.AddCommand(auditCleanupCmd)
	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}
