package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, then print the effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l := loader(cmd)
			cfg, err := l.Load()
			if err != nil {
				return err
			}
			if used := l.ConfigFileUsed(); used != "" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "config file: %s\n", used)
			}
			redacted := *cfg
			if redacted.Auth.JWT.Secret != "" {
				redacted.Auth.JWT.Secret = "******"
			}
			redacted.Auth.Tokens = nil
			if redacted.Audit.DSN != "" {
				redacted.Audit.DSN = "******"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(redacted)
		},
	})
	return cmd
}
