package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"factoryos-sync/pkg/jwt"
)

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		userID   string
		tenantID string
		secret   string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}

			token, err := jwt.GenerateToken(userID, tenantID, ttl, secret)
			if err != nil {
				return err
			}
			expires := time.Now().Add(ttl).UTC()
			return newFormatter(rootOpts, cmd).Success(map[string]any{
				"token":      token,
				"expires_at": expires,
			}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id claim")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id claim")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (defaults to JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("tenant")

	return cmd
}
