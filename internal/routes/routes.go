package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stagelink/stagelink/internal/auth"
	"github.com/stagelink/stagelink/internal/config"
	"github.com/stagelink/stagelink/internal/identity"
	"github.com/stagelink/stagelink/internal/logging"
	"github.com/stagelink/stagelink/internal/middleware"
	"github.com/stagelink/stagelink/internal/notification"
	"github.com/stagelink/stagelink/internal/session"
	"github.com/stagelink/stagelink/internal/token"
	"github.com/stagelink/stagelink/internal/verification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(logging.Component(d.Logger, "http")))

	// Health
	RegisterHealthRoutes(app, d)

	// Stores
	var identityRepo identity.Repository
	var sessionRepo session.Repository
	var resetRepo verification.ResetTokenRepository
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
		sessionRepo = session.NewPostgresRepository(d.DB)
		resetRepo = verification.NewPostgresResetTokenRepository(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
		sessionRepo = session.NewMemoryRepository()
		resetRepo = verification.NewMemoryResetTokenRepository()
	}

	// Services and handlers
	identitySvc := identity.NewService(identityRepo)
	tokenSvc := token.NewService(d.Cfg.JWTSecret, d.Cfg.AccessTokenTTL)
	authSvc := auth.NewService(d.Cfg, identityRepo, sessionRepo, tokenSvc, logging.Component(d.Logger, "auth"))
	mailer := notification.NewLoggerMailer(logging.Component(d.Logger, "mail"))
	verificationSvc := verification.NewService(d.Cfg, identityRepo, resetRepo, sessionRepo, mailer, logging.Component(d.Logger, "verification"))

	authHandler := auth.NewHandler(d.Cfg, authSvc)
	verificationHandler := verification.NewHandler(verificationSvc)

	// Seed the default admin identity; idempotent across restarts.
	if err := identity.SeedAdmin(context.Background(), identitySvc, d.Cfg.AdminEmail, d.Cfg.AdminPassword, d.Logger); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// API routes
	api := app.Group("/api/v1")

	gateway := func(policy middleware.Policy) fiber.Handler {
		return middleware.Authenticate(policy, tokenSvc, identityRepo, sessionRepo, d.Logger)
	}

	// Ping authenticates opportunistically so clients can probe token health.
	api.Get("/ping", gateway(middleware.Optional), func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		_, authenticated := middleware.IdentityFrom(c)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":        "ok",
			"authenticated": authenticated,
			"request_id":    reqID,
			"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterAuthRoutes(api, d, authHandler, verificationHandler, gateway)

	return nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
