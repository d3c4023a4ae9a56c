// Package auth implements the session lifecycle: credential verification,
// token issuance under the device cap, access-token rotation against stored
// refresh digests, and revocation (single, all, on password change).
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stagelink/stagelink/internal/apperr"
	"github.com/stagelink/stagelink/internal/config"
	"github.com/stagelink/stagelink/internal/identity"
	"github.com/stagelink/stagelink/internal/session"
	"github.com/stagelink/stagelink/internal/token"
)

// DeviceMeta captures the requesting device for session tracking.
type DeviceMeta struct {
	UserAgent string
	IP        string
}

// LoginResult is everything a successful login produces. RefreshSecret is the
// only time the raw secret leaves the service.
type LoginResult struct {
	Identity      identity.Identity
	Session       session.Session
	AccessToken   string
	RefreshSecret string
}

// SessionInfo is a session as shown to its owner, flagged when it backs the
// request being served.
type SessionInfo struct {
	session.Session
	IsThisDevice bool `json:"is_this_device"`
}

// Service orchestrates the credential and session stores and the token service.
type Service struct {
	cfg        config.Config
	identities identity.Repository
	sessions   session.Repository
	tokens     *token.Service
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the session manager.
func NewService(cfg config.Config, identities identity.Repository, sessions session.Repository, tokens *token.Service, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		identities: identities,
		sessions:   sessions,
		tokens:     tokens,
		logger:     logger,
		now:        time.Now,
	}
}

// Login verifies credentials and issues a session for the device. Missing
// account and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string, device DeviceMeta) (LoginResult, error) {
	ident, err := s.identities.FindByEmailWithSecrets(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return LoginResult{}, apperr.InvalidCredentials()
		}
		return LoginResult{}, fmt.Errorf("load identity: %w", err)
	}
	if !identity.CheckPassword(password, ident.PasswordHash) {
		return LoginResult{}, apperr.InvalidCredentials()
	}
	if !ident.Verified {
		return LoginResult{}, apperr.New(403, apperr.CodeAccountNotVerified, "account is not verified")
	}
	return s.IssueSession(ctx, ident, device)
}

// IssueSession admits a new device session under the cap and mints both
// credentials. When the cap is reached no session is created and no tokens
// are minted; the caller must revoke a device first.
func (s *Service) IssueSession(ctx context.Context, ident identity.Identity, device DeviceMeta) (LoginResult, error) {
	secret, err := token.NewRefreshSecret()
	if err != nil {
		return LoginResult{}, err
	}
	verificationHash, err := token.VerificationHash(secret)
	if err != nil {
		return LoginResult{}, err
	}

	now := s.now()
	sess := session.Session{
		ID:                      uuid.New().String(),
		IdentityID:              ident.ID,
		RefreshLookupDigest:     token.LookupDigest(secret),
		RefreshVerificationHash: verificationHash,
		UserAgent:               device.UserAgent,
		IP:                      device.IP,
		ExpiresAt:               now.Add(s.cfg.RefreshTokenTTL),
		LastSeenAt:              now,
		CreatedAt:               now,
	}

	if err := s.sessions.CreateWithCap(ctx, sess, s.cfg.MaxLoginDevices, now); err != nil {
		if errors.Is(err, session.ErrDeviceLimit) {
			return LoginResult{}, apperr.SessionLimitExceeded()
		}
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	access, err := s.tokens.MintAccess(ident.ID, ident.Email, string(ident.Role), sess.ID)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{Identity: ident, Session: sess, AccessToken: access, RefreshSecret: secret}, nil
}

// RotateAccessToken exchanges a presented refresh secret for a fresh access
// token bound to the same session. Every failure mode (unknown digest,
// revoked or expired session, missing identity, hash mismatch) reports the
// same SESSION_EXPIRED so nothing leaks about which check failed. The refresh
// secret itself is not rotated.
func (s *Service) RotateAccessToken(ctx context.Context, rawSecret string) (string, error) {
	if rawSecret == "" {
		return "", apperr.SessionExpired()
	}

	sess, err := s.sessions.FindByLookupDigest(ctx, token.LookupDigest(rawSecret))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", apperr.SessionExpired()
		}
		return "", fmt.Errorf("find session: %w", err)
	}
	if !sess.Live(s.now()) {
		return "", apperr.SessionExpired()
	}

	ident, err := s.identities.FindByID(ctx, sess.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return "", apperr.SessionExpired()
		}
		return "", fmt.Errorf("load identity: %w", err)
	}

	if !token.MatchVerificationHash(rawSecret, sess.RefreshVerificationHash) {
		return "", apperr.SessionExpired()
	}

	return s.tokens.MintAccess(ident.ID, ident.Email, string(ident.Role), sess.ID)
}

// Logout revokes the session behind the current request. Logging out an
// already-revoked session is a no-op.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	err := s.sessions.Revoke(ctx, sessionID, s.now())
	if err != nil && !errors.Is(err, session.ErrAlreadyRevoked) && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeSession revokes one of the requester's other sessions. The current
// session must end through Logout instead.
func (s *Service) RevokeSession(ctx context.Context, sessionID, requesterID, currentSessionID string) error {
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return apperr.NotFound("session not found")
		}
		return fmt.Errorf("find session: %w", err)
	}
	if sess.IdentityID != requesterID {
		return apperr.Forbidden("forbidden access")
	}
	if sess.RevokedAt != nil {
		return apperr.Conflict(apperr.CodeAlreadyRevoked, "session already revoked")
	}
	if sess.ID == currentSessionID {
		return apperr.BadRequest(apperr.CodeSelfRevokeCurrent, "the current session must be ended through logout")
	}

	if err := s.sessions.Revoke(ctx, sessionID, s.now()); err != nil {
		if errors.Is(err, session.ErrAlreadyRevoked) {
			return apperr.Conflict(apperr.CodeAlreadyRevoked, "session already revoked")
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllSessions revokes every live session of the identity, the caller's
// current one included, and returns how many were revoked.
func (s *Service) RevokeAllSessions(ctx context.Context, identityID string) (int64, error) {
	count, err := s.sessions.RevokeAll(ctx, identityID, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return count, nil
}

// ListSessions returns the identity's active sessions with the current one flagged.
func (s *Service) ListSessions(ctx context.Context, identityID, currentSessionID string) ([]SessionInfo, error) {
	sessions, err := s.sessions.ListActive(ctx, identityID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionInfo{Session: sess, IsThisDevice: sess.ID == currentSessionID})
	}
	return out, nil
}

// ChangePassword verifies the old password, enforces the change cooldown,
// stores the new hash and revokes every session. The updated
// password-changed-at also invalidates all outstanding access tokens via the
// gateway's stale-token check. Returns the number of revoked sessions.
func (s *Service) ChangePassword(ctx context.Context, identityID, oldPassword, newPassword string) (int64, error) {
	ident, err := s.identities.FindByIDWithSecrets(ctx, identityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return 0, apperr.NotFound("account not found")
		}
		return 0, fmt.Errorf("load identity: %w", err)
	}

	now := s.now()
	if ident.PasswordChangedAt != nil && now.Sub(*ident.PasswordChangedAt) < s.cfg.PasswordChangeCooldown {
		return 0, apperr.BadRequest(apperr.CodePasswordChangeCooldown,
			"password was changed recently, please try again later")
	}
	if !identity.CheckPassword(oldPassword, ident.PasswordHash) {
		return 0, apperr.BadRequest(apperr.CodeInvalidCredentials, "invalid password")
	}
	if identity.CheckPassword(newPassword, ident.PasswordHash) {
		return 0, apperr.BadRequest(apperr.CodeBadRequest, "new password cannot be the same as the old one")
	}

	hash, err := identity.HashPassword(newPassword)
	if err != nil {
		return 0, err
	}
	// the password update must commit before sessions are revoked so a
	// concurrent rotate cannot outlive the stale-token check
	if err := s.identities.UpdatePassword(ctx, identityID, hash, now); err != nil {
		return 0, fmt.Errorf("update password: %w", err)
	}
	return s.RevokeAllSessions(ctx, identityID)
}

// TouchSession updates the session's last-seen time. Best effort: failures
// are logged and never fail the enclosing request.
func (s *Service) TouchSession(ctx context.Context, sessionID string) {
	if err := s.sessions.Touch(ctx, sessionID, s.now()); err != nil {
		s.logger.Warn("touch session failed", "session_id", sessionID, "error", err)
	}
}
