package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"yuzu/coach/internal/auth"
	"yuzu/coach/internal/config"
)

func newTokenCmd(load func() config.Config) *cobra.Command {
	var (
		user      string
		superuser bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := mintToken(load(), user, superuser)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "dev-user", "subject (user id) of the token")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "grant superuser")
	return cmd
}

func mintToken(cfg config.Config, user string, superuser bool) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("JWT_SECRET not set")
	}
	return auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(user, superuser)
}
