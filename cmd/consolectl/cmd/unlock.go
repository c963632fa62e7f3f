package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagIP string

var unlockCmd = &cobra.Command{
	Use:   "unlock <login|reset> [identifier]",
	Short: "Clear lockouts, for one identifier or a whole namespace",
	Long: `Clear failed-attempt lockouts.

  consolectl unlock login alice             Unlock one user
  consolectl unlock login --ip 10.0.0.7     Also reset the login rate limit of an address
  consolectl unlock reset                   Clear every password-reset lockout`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identifier := ""
		if len(args) > 1 {
			identifier = args[1]
		}

		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Unlock(cmd.Context(), args[0], identifier, flagIP); err != nil {
			return err
		}

		if flagJSON {
			return printJSON(map[string]interface{}{"namespace": args[0], "identifier": identifier, "ip": flagIP})
		}
		if identifier == "" {
			fmt.Printf("Cleared every %s lockout\n", args[0])
		} else {
			fmt.Printf("Unlocked %s in %s\n", identifier, args[0])
		}
		return nil
	},
}

func init() {
	unlockCmd.Flags().StringVar(&flagIP, "ip", "", "Also reset the rate limit kept for this client address")
	rootCmd.AddCommand(unlockCmd)
}
