package cmd

import (
	"fmt"
	"time"

	"github.com/ldapconsole/api/internal/totp"
	"github.com/spf13/cobra"
)

var totpCmd = &cobra.Command{
	Use:   "totp",
	Short: "Two-factor helpers",
}

var totpCodeCmd = &cobra.Command{
	Use:   "code <secret>",
	Short: "Print the current code for a base32 secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := totp.NewEngine(cfg.TOTP)
		now := time.Now()
		code, err := engine.GenerateCode(args[0], now)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]interface{}{"code": code, "step": engine.Step(now)})
		}
		fmt.Println(code)
		return nil
	},
}

func init() {
	totpCmd.AddCommand(totpCodeCmd)
	rootCmd.AddCommand(totpCmd)
}
