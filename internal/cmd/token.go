package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/multpex/linkd/pkg/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed JWT for connecting to the gateway",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	cmd.Flags().String("subject", "", "identity subject (required)")
	cmd.Flags().StringSlice("roles", nil, "comma separated roles")
	cmd.Flags().Duration("ttl", 0, "token lifetime (defaults to auth.jwt.ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loader(cmd).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	subject, _ := cmd.Flags().GetString("subject")
	roles, _ := cmd.Flags().GetStringSlice("roles")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	jwtCfg := cfg.Auth.JWT
	if ttl > 0 {
		jwtCfg.TTL = ttl
	}
	if jwtCfg.TTL <= 0 {
		jwtCfg.TTL = time.Hour
	}
	p, err := auth.NewJWTProvider(jwtCfg)
	if err != nil {
		return err
	}
	token, err := p.Issue(auth.Identity{Subject: subject, Roles: roles})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
