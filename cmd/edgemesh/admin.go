package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/samblam/edgemesh/internal/config"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/services"
)

// withServices loads config, opens the database and hands the user and audit
// services to fn. Used by the offline admin commands.
func withServices(fn func(cfg config.Config, users *services.UserService, audit *services.AuditService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	return fn(cfg, services.NewUserService(db), services.NewAuditService(db))
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage control plane users",
	}

	create := &cobra.Command{
		Use:   "create <user-id> <email>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			return withServices(func(_ config.Config, users *services.UserService, _ *services.AuditService) error {
				u, err := users.Create(cmd.Context(), args[0], args[1], models.Role(role))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", u.UserID, u.Role)
				return nil
			})
		},
	}
	create.Flags().StringP("role", "r", string(models.RoleDeveloper), "Role: admin, developer or analyst")

	disable := &cobra.Command{
		Use:   "disable <user-id>",
		Short: "Disable a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(_ config.Config, users *services.UserService, _ *services.AuditService) error {
				if _, err := users.SetStatus(cmd.Context(), args[0], models.UserStatusDisabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "disabled user %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, disable)
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an admin API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return withServices(func(cfg config.Config, users *services.UserService, _ *services.AuditService) error {
				token, err := services.NewAuthService(users, cfg.Security.JWTSecret).IssueToken(cmd.Context(), args[0], ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(func(_ config.Config, _ *services.UserService, audit *services.AuditService) error {
				report, err := audit.VerifyChain(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("audit chain broken at sequence %d: %s", report.BrokenAt, report.Problem)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(verify)
	return cmd
}
