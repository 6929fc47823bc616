package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/scenegate/internal/auth"
	"github.com/amurg-ai/scenegate/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		name    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Mint a handshake token signed with auth.jwt_secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := config.LoadAuth(resolveConfigPath(cmd, args))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if !ac.Enabled() {
				return errors.New("auth.jwt_secret (or SCENEGATE_JWT_SECRET) is not set")
			}
			tok, err := auth.NewVerifier(ac.JWTSecret, ac.Issuer).Issue(subject, name, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "dev", "token subject")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
