package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ldapconsole/api/internal/app"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	flagJSON bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "consolectl",
	Short: "Maintenance tasks for the console's security state",
	Long: `consolectl runs the housekeeping jobs of the console server from
the command line, using the same configuration file and environment.

  consolectl sweep                  Remove expired records
  consolectl audit cleanup --days 30
  consolectl audit export > audit.csv
  consolectl totp code SECRET       Print the current code for a secret`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger.SetOutput(os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func buildApp() (*app.App, error) {
	a, err := app.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	return a, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
