package middleware

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stagelink/stagelink/internal/apperr"
	"github.com/stagelink/stagelink/internal/identity"
	"github.com/stagelink/stagelink/internal/session"
	"github.com/stagelink/stagelink/internal/token"
)

// Policy selects what the gateway does when authentication fails: reject the
// request, or continue with an anonymous context.
type Policy int

const (
	// Required fails closed with the mapped failure code.
	Required Policy = iota
	// Optional degrades to an unauthenticated request on any failure.
	Optional
)

const (
	identityContextKey = "auth_identity"
	accessTokenCookie  = "accessToken"
)

// IdentityContext is the per-request identity attached after the gateway
// accepts an access token.
type IdentityContext struct {
	ID        string
	Email     string
	Role      identity.Role
	SessionID string
}

// IdentityFrom returns the identity context attached by Authenticate.
func IdentityFrom(c *fiber.Ctx) (IdentityContext, bool) {
	ident, ok := c.Locals(identityContextKey).(IdentityContext)
	return ident, ok
}

// Authenticate is the request-time guard: it extracts the bearer credential,
// verifies it, cross-checks the credential store's password-change time and
// the session store's liveness, then attaches the identity context. The
// single policy parameter collapses the required and optional variants.
func Authenticate(policy Policy, tokens *token.Service, identities identity.Repository, sessions session.Repository, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		deny := func(err error) error {
			if policy == Optional {
				return c.Next()
			}
			return err
		}

		tokenStr := extractAccessToken(c)
		if tokenStr == "" {
			return deny(apperr.Unauthorized("missing access token"))
		}

		claims, err := tokens.VerifyAccess(tokenStr)
		if err != nil {
			return deny(apperr.AccessExpired())
		}

		ident, err := identities.FindByIDWithSecrets(c.UserContext(), claims.Subject)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return deny(apperr.InvalidAccessToken())
			}
			return err
		}

		// a token minted before the last password change is stale even if
		// its own expiry has not passed
		if ident.PasswordChangedAt != nil && claims.IssuedAt != nil &&
			ident.PasswordChangedAt.Unix() > claims.IssuedAt.Unix() {
			return deny(apperr.SessionExpired())
		}

		if claims.SessionID == "" {
			return deny(apperr.Unauthorized("session not attached to token"))
		}

		sess, err := sessions.FindByIDAndIdentity(c.UserContext(), claims.SessionID, ident.ID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return deny(apperr.SessionExpired())
			}
			return err
		}
		if !sess.Live(time.Now()) {
			return deny(apperr.SessionExpired())
		}

		// best-effort last-seen update; never fails the request
		if err := sessions.Touch(c.UserContext(), sess.ID, time.Now()); err != nil {
			logger.Warn("touch session failed", "session_id", sess.ID, "error", err)
		}

		c.Locals(identityContextKey, IdentityContext{
			ID:        ident.ID,
			Email:     ident.Email,
			Role:      ident.Role,
			SessionID: sess.ID,
		})
		return c.Next()
	}
}

// RequireRoles fails FORBIDDEN unless the attached identity holds one of the
// allowed roles. Must run after Authenticate(Required).
func RequireRoles(allowed ...identity.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ident, ok := IdentityFrom(c)
		if !ok {
			return apperr.Unauthorized("authentication required")
		}
		for _, role := range allowed {
			if ident.Role == role {
				return c.Next()
			}
		}
		return apperr.Forbidden("forbidden access")
	}
}

func extractAccessToken(c *fiber.Ctx) string {
	authz := c.Get(fiber.HeaderAuthorization)
	if authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("Bearer "):])
		}
		return ""
	}
	return c.Cookies(accessTokenCookie)
}
