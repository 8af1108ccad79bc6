package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spec-kit/tutoring-service/internal/auth"
	"github.com/spec-kit/tutoring-service/internal/domain"
	"github.com/spec-kit/tutoring-service/internal/persistence"
	"github.com/spec-kit/tutoring-service/internal/repository"
)

var (
	adminEmail     string
	adminFirstName string
	adminLastName  string
	adminStdin     bool
)

const minPasswordLength = 8

// Admin accounts cannot self-register, so the first one is created here.
var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an active admin account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := mail.ParseAddress(adminEmail); err != nil {
			return fmt.Errorf("invalid --email: %w", err)
		}

		password := os.Getenv("ADMIN_PASSWORD")
		if adminStdin {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
			if scanner.Scan() {
				password = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}
		if len(password) < minPasswordLength {
			return fmt.Errorf("password must be at least %d characters (use --stdin or ADMIN_PASSWORD)", minPasswordLength)
		}

		hash, err := auth.HashPassword(password, cfg.Auth.BcryptCost)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		if pg.PoolHandle() == nil {
			return errors.New("POSTGRES_DSN is required")
		}

		user := &domain.User{
			Identifier:   strings.ToLower(strings.TrimSpace(adminEmail)),
			FirstName:    adminFirstName,
			LastName:     adminLastName,
			PasswordHash: hash,
			Role:         domain.RoleAdmin,
			Status:       domain.UserStatusActive,
		}
		if err := repository.NewUserRepository(pg.PoolHandle()).Create(ctx, user); err != nil {
			return fmt.Errorf("create admin: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", user.Identifier, user.ID)
		return nil
	},
}

func init() {
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "Admin login email (required)")
	createAdminCmd.Flags().StringVar(&adminFirstName, "first-name", "", "First name")
	createAdminCmd.Flags().StringVar(&adminLastName, "last-name", "", "Last name")
	createAdminCmd.Flags().BoolVar(&adminStdin, "stdin", false, "Read the password from stdin instead of ADMIN_PASSWORD")
	_ = createAdminCmd.MarkFlagRequired("email")
}
