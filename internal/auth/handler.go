package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stagelink/stagelink/internal/apperr"
	"github.com/stagelink/stagelink/internal/config"
	"github.com/stagelink/stagelink/internal/identity"
	"github.com/stagelink/stagelink/internal/middleware"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

// Handler exposes the auth endpoints: login, refresh, logout, password change
// and session management.
type Handler struct {
	cfg config.Config
	svc *Service
}

// NewHandler constructs an auth HTTP handler.
func NewHandler(cfg config.Config, svc *Service) *Handler {
	return &Handler{cfg: cfg, svc: svc}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login validates credentials and issues a device session. Tokens travel both
// as httpOnly cookies and in the response body for non-browser clients.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest(apperr.CodeBadRequest, err.Error())
	}
	if req.Email == "" || req.Password == "" {
		return apperr.BadRequest(apperr.CodeBadRequest, "email and password are required")
	}

	device := DeviceMeta{UserAgent: c.Get(fiber.HeaderUserAgent), IP: c.IP()}
	res, err := h.svc.Login(c.UserContext(), req.Email, req.Password, device)
	if err != nil {
		return err
	}

	c.Cookie(h.cookie(accessTokenCookie, res.AccessToken, h.cfg.AccessTokenTTL))
	c.Cookie(h.cookie(refreshTokenCookie, res.RefreshSecret, h.cfg.RefreshTokenTTL))

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "logged in successfully",
		"data": fiber.Map{
			"identity":      res.Identity,
			"access_token":  res.AccessToken,
			"refresh_token": res.RefreshSecret,
			"expires_in":    int64(h.cfg.AccessTokenTTL.Seconds()),
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the refresh secret (cookie, body fallback) for a new
// access token bound to the same session.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	secret := c.Cookies(refreshTokenCookie)
	if secret == "" {
		var req refreshRequest
		_ = c.BodyParser(&req)
		secret = req.RefreshToken
	}

	access, err := h.svc.RotateAccessToken(c.UserContext(), secret)
	if err != nil {
		return err
	}

	c.Cookie(h.cookie(accessTokenCookie, access, h.cfg.AccessTokenTTL))

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "token refreshed successfully",
		"data": fiber.Map{
			"access_token": access,
			"expires_in":   int64(h.cfg.AccessTokenTTL.Seconds()),
		},
	})
}

// Logout revokes the current session and clears both cookies.
func (h *Handler) Logout(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return apperr.Unauthorized("authentication required")
	}
	if err := h.svc.Logout(c.UserContext(), ident.SessionID); err != nil {
		return err
	}

	h.clearAuthCookies(c)
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "logged out successfully",
	})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	Password    string `json:"password"`
}

// ChangePassword rotates the password and logs the account out everywhere,
// the requesting device included.
func (h *Handler) ChangePassword(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return apperr.Unauthorized("authentication required")
	}
	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest(apperr.CodeBadRequest, err.Error())
	}
	if req.OldPassword == "" || req.Password == "" {
		return apperr.BadRequest(apperr.CodeBadRequest, "old_password and password are required")
	}

	revoked, err := h.svc.ChangePassword(c.UserContext(), ident.ID, req.OldPassword, req.Password)
	if err != nil {
		return err
	}

	h.clearAuthCookies(c)
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "password changed successfully",
		"data":    fiber.Map{"revoked_sessions": revoked},
	})
}

// Sessions lists the caller's active sessions with the current one flagged.
func (h *Handler) Sessions(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return apperr.Unauthorized("authentication required")
	}
	sessions, err := h.svc.ListSessions(c.UserContext(), ident.ID, ident.SessionID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "sessions fetched successfully",
		"data":    sessions,
	})
}

// RevokeAll logs the account out everywhere, including this device.
func (h *Handler) RevokeAll(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return apperr.Unauthorized("authentication required")
	}
	count, err := h.svc.RevokeAllSessions(c.UserContext(), ident.ID)
	if err != nil {
		return err
	}

	h.clearAuthCookies(c)
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "all sessions revoked successfully",
		"data":    fiber.Map{"revoked_sessions": count},
	})
}

// RevokeByID revokes one of the caller's other sessions.
func (h *Handler) RevokeByID(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return apperr.Unauthorized("authentication required")
	}
	sessionID := c.Params("sessionId")
	if err := h.svc.RevokeSession(c.UserContext(), sessionID, ident.ID, ident.SessionID); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "session revoked successfully",
	})
}

// Profile returns the authenticated identity.
func (h *Handler) Profile(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return apperr.Unauthorized("authentication required")
	}
	loaded, err := h.svc.identities.FindByID(c.UserContext(), ident.ID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return apperr.InvalidAccessToken()
		}
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "profile fetched successfully",
		"data":    loaded,
	})
}

// cookie builds an auth cookie honoring the deployment's same-site posture:
// strict in development, none (cross-site) in production, secure outside dev.
func (h *Handler) cookie(name, value string, ttl time.Duration) *fiber.Cookie {
	sameSite := fiber.CookieSameSiteStrictMode
	if h.cfg.IsProduction() {
		sameSite = fiber.CookieSameSiteNoneMode
	}
	return &fiber.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HTTPOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: sameSite,
	}
}

// clearAuthCookies expires both auth cookies; a past Expires is what actually
// clears them on the wire.
func (h *Handler) clearAuthCookies(c *fiber.Ctx) {
	for _, name := range []string{accessTokenCookie, refreshTokenCookie} {
		expired := h.cookie(name, "", 0)
		expired.Expires = time.Now().Add(-time.Hour)
		c.Cookie(expired)
	}
}
