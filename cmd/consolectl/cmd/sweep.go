package cmd

import (
	"fmt"

	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/spf13/cobra"
)

var flagKind string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired records from the cache and the shared entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := kvstore.Kind(flagKind)
		if flagKind != "" && !kvstore.Known(kind) {
			return fmt.Errorf("unknown kind %q", flagKind)
		}

		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.Store.Sweep(cmd.Context(), kind)
		if err != nil {
			return fmt.Errorf("sweeping: %w", err)
		}

		if flagJSON {
			return printJSON(map[string]interface{}{"kind": flagKind, "removed": removed})
		}
		fmt.Printf("Removed %d expired record(s)\n", removed)
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVar(&flagKind, "kind", "", "Only sweep one record kind (session, reset, lockout, ratelimit)")
	rootCmd.AddCommand(sweepCmd)
}
