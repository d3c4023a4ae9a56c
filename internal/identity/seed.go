package identity

import (
	"context"
	"log/slog"
)

// SeedAdmin creates the default admin identity on boot when none exists.
// It is an explicit startup step and an idempotent no-op on every later run.
func SeedAdmin(ctx context.Context, svc *Service, email, password string, logger *slog.Logger) error {
	exists, err := svc.Repo().AdminExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if email == "" || password == "" {
		logger.Warn("admin seed skipped: ADMIN_EMAIL or ADMIN_DEFAULT_PASSWORD not set")
		return nil
	}

	admin, err := svc.Create(ctx, RoleAdmin, email, "site admin", password, true)
	if err != nil {
		return err
	}
	logger.Info("seeded default admin identity", "email", admin.Email, "user_name", admin.UserName)
	return nil
}
