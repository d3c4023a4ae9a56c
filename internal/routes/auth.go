package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stagelink/stagelink/internal/auth"
	"github.com/stagelink/stagelink/internal/middleware"
	"github.com/stagelink/stagelink/internal/verification"
)

// RegisterAuthRoutes wires authentication, verification and session endpoints.
func RegisterAuthRoutes(r fiber.Router, d Deps, h *auth.Handler, vh *verification.Handler, gateway func(middleware.Policy) fiber.Handler) {
	group := r.Group("/auth")

	// Public routes; credential-sensitive ones are rate limited per email/IP.
	loginLimiter := middleware.AttemptRateLimit(d.Cache, "login", 5)
	otpLimiter := middleware.AttemptRateLimit(d.Cache, "otp", 5)

	group.Post("/login", loginLimiter, h.Login)
	group.Post("/refresh-token", h.Refresh)
	group.Post("/send-verification-email", otpLimiter, vh.SendVerificationEmail)
	group.Post("/verify-email", vh.VerifyEmail)
	group.Post("/forgot-password", otpLimiter, vh.ForgotPassword)
	if d.Cache != nil {
		group.Put("/reset-password", middleware.Idempotency(d.Cache, d.Cfg.ResetTokenTTL, d.Logger), vh.ResetPassword)
	} else {
		group.Put("/reset-password", vh.ResetPassword)
	}

	// Authenticated routes
	protected := group.Group("", gateway(middleware.Required))
	protected.Put("/change-password", h.ChangePassword)
	protected.Post("/logout", h.Logout)
	protected.Get("/sessions", h.Sessions)
	protected.Post("/sessions/revoke", h.RevokeAll)
	protected.Post("/sessions/revoke/:sessionId", h.RevokeByID)
	protected.Get("/profile", h.Profile)
}
