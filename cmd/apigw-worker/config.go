package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aiverify/apigw-worker/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Load the config files and APIGW_* environment overrides, validate the
result and print it as YAML with secrets redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFiles...)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		data, err := cfg.YAML()
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(data)

		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
