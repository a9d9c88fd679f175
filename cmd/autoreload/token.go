package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/autoreload/internal/auth"
	"github.com/fruitsalade/autoreload/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		subject    string
		permission int
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a control API token signed with the configured jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if permission < config.PermissionGuest || permission > config.PermissionOwner {
				return fmt.Errorf("permission must be between %d and %d", config.PermissionGuest, config.PermissionOwner)
			}
			if ttl == 0 {
				ttl = cfg.TokenTTL
			}

			token, expires, err := auth.New(cfg.JWTSecret, nil).IssueToken(subject, permission, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Println(labelStyle.Render("expires " + expires.Local().Format(time.RFC3339)))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().IntVar(&permission, "permission", config.PermissionOwner, "permission level (0 guest .. 4 owner)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: token_ttl from config)")
	return cmd
}
