package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tempohq/tempo/go/internal/auth"
	"github.com/tempohq/tempo/go/internal/config"
	"github.com/tempohq/tempo/go/internal/session"
)

var (
	userID       string
	tokenRole    string
	tokenTTL     time.Duration
	tokenSession bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Report inconsistencies in a user's time entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := setupOfflineApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := app.ValidateTimerState(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if !result.IsValid {
			return fmt.Errorf("found %d issue(s) for user %s", len(result.Issues), userID)
		}
		return nil
	},
}

var forceStopCmd = &cobra.Command{
	Use:   "force-stop",
	Short: "Stop every running timer a user has",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := setupOfflineApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		stopped, err := app.ForceStopAllTimers(cmd.Context(), userID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"stoppedTimers": stopped, "count": len(stopped)})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the entry store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := setupDatabase(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer repo.Close()
		log.Info().Str("driver", cfg.Database.Driver).Msg("schema is up to date")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		claims := auth.Claims{UserID: userID, Role: tokenRole}

		if tokenSession {
			registry := session.New(cfg.Session, clockwork.NewRealClock())
			defer registry.Close()

			s, err := registry.CreateSession(cmd.Context(), session.Session{
				ID:             uuid.NewString(),
				UserID:         userID,
				Role:           tokenRole,
				RefreshTokenID: uuid.NewString(),
			})
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			if err := registry.StoreRefreshToken(cmd.Context(), s.RefreshTokenID, userID); err != nil {
				return fmt.Errorf("failed to store refresh token: %w", err)
			}
			claims.SessionID = s.ID
		}

		token, err := auth.GenerateToken(cfg.Auth.JWTSecret, claims, tokenLifetime(tokenTTL, cfg))
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{validateCmd, forceStopCmd, tokenCmd} {
		c.Flags().StringVarP(&userID, "user", "u", "", "User id")
		if err := c.MarkFlagRequired("user"); err != nil {
			panic(err)
		}
	}
	tokenCmd.Flags().StringVar(&tokenRole, "role", "member", "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to JWT_TTL)")
	tokenCmd.Flags().BoolVar(&tokenSession, "session", false, "Register a session in Redis and bind the token to it")

	rootCmd.AddCommand(validateCmd, forceStopCmd, migrateCmd, tokenCmd)
}

// tokenLifetime picks the --ttl flag when set, then the configured
// auth.token_ttl, then the package default.
func tokenLifetime(flag time.Duration, c *config.Config) time.Duration {
	if flag > 0 {
		return flag
	}
	if c != nil && c.Auth.TokenTTL > 0 {
		return c.Auth.TokenTTL
	}
	return auth.DefaultTokenExpiration
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
