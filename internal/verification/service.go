// Package verification implements email-OTP account verification and the
// mail-driven password-reset flow. OTP and reset records are persisted before
// delivery is attempted, so a failed send never leaves the system unable to
// retry.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/stagelink/stagelink/internal/apperr"
	"github.com/stagelink/stagelink/internal/config"
	"github.com/stagelink/stagelink/internal/identity"
	"github.com/stagelink/stagelink/internal/notification"
	"github.com/stagelink/stagelink/internal/session"
)

const otpDigits = 6

// Cooldown reports when a fresh verification code may be requested again.
type Cooldown struct {
	CooldownEnd      time.Time `json:"cooldown_end"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// Service runs the OTP and password-reset flows against the credential store.
type Service struct {
	cfg        config.Config
	identities identity.Repository
	resets     ResetTokenRepository
	sessions   session.Repository
	mailer     notification.Mailer
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the verification flow.
func NewService(cfg config.Config, identities identity.Repository, resets ResetTokenRepository, sessions session.Repository, mailer notification.Mailer, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		identities: identities,
		resets:     resets,
		sessions:   sessions,
		mailer:     mailer,
		logger:     logger,
		now:        time.Now,
	}
}

// RequestEmailVerification issues a one-time code unless an unexpired
// cooldown is already active, in which case the existing cooldown is returned
// unchanged so repeated requests cannot spam codes.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) (Cooldown, error) {
	ident, err := s.identities.FindByEmailWithSecrets(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Cooldown{}, apperr.NotFound("user not found")
		}
		return Cooldown{}, fmt.Errorf("load identity: %w", err)
	}
	if ident.Verified {
		return Cooldown{}, apperr.BadRequest(apperr.CodeAlreadyVerified, "user already verified")
	}

	now := s.now()
	if ident.OTPCooldownEnd.After(now) {
		return cooldownInfo(ident.OTPCooldownEnd, now), nil
	}

	code, err := generateOTP(otpDigits)
	if err != nil {
		return Cooldown{}, err
	}
	cooldownEnd := now.Add(s.cfg.OTPCooldown)

	// persist before delivery so a failed send can be retried later
	if err := s.identities.SetOTP(ctx, ident.ID, code, cooldownEnd); err != nil {
		return Cooldown{}, fmt.Errorf("store otp: %w", err)
	}

	s.deliver(notification.Email{
		To:      ident.Email,
		Subject: "Account Verification",
		Body:    fmt.Sprintf("Your verification code is %s. It expires in %s.", code, s.cfg.OTPCooldown),
	})

	return cooldownInfo(cooldownEnd, now), nil
}

// VerifyEmail consumes a one-time code: on success the code is cleared and
// the account marked verified. A failed attempt leaves the stored code intact.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	ident, err := s.identities.FindByEmailWithSecrets(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return apperr.BadRequest(apperr.CodeInvalidCode, "invalid code provided")
		}
		return fmt.Errorf("load identity: %w", err)
	}
	if ident.Verified {
		return apperr.BadRequest(apperr.CodeAlreadyVerified, "user already verified")
	}
	if ident.OTPCode == "" || ident.OTPCode != code {
		return apperr.BadRequest(apperr.CodeInvalidCode, "invalid code provided")
	}
	if !ident.OTPCooldownEnd.After(s.now()) {
		return apperr.BadRequest(apperr.CodeCodeExpired, "code expired, please request a new one")
	}

	if err := s.identities.ClearOTPAndMarkVerified(ctx, ident.ID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// RequestPasswordReset mails a short-lived reset link. An unexpired token for
// the identity blocks a new request.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	ident, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return apperr.NotFound("invalid email")
		}
		return fmt.Errorf("load identity: %w", err)
	}

	now := s.now()
	if _, err := s.resets.FindActive(ctx, ident.ID, now); err == nil {
		return apperr.RateLimited("reset already requested, please try again later")
	} else if !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("find reset token: %w", err)
	}

	tok := ResetToken{
		ID:         uuid.New().String(),
		IdentityID: ident.ID,
		ExpiresAt:  now.Add(s.cfg.ResetTokenTTL),
		CreatedAt:  now,
	}
	if err := s.resets.Create(ctx, tok); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	s.deliver(notification.Email{
		To:      ident.Email,
		Subject: "Reset your password",
		Body:    fmt.Sprintf("%s/reset-password/%s", s.cfg.FrontendBaseURL, tok.ID),
	})
	return nil
}

// ResetPassword consumes a reset token, replaces the password and revokes all
// sessions of the identity. The token is deleted on success.
func (s *Service) ResetPassword(ctx context.Context, tokenID, newPassword string) error {
	tok, err := s.resets.FindByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return apperr.BadRequest(apperr.CodeBadRequest, "invalid or expired reset token")
		}
		return fmt.Errorf("find reset token: %w", err)
	}
	now := s.now()
	if !tok.ExpiresAt.After(now) {
		return apperr.BadRequest(apperr.CodeBadRequest, "reset token expired, please request again")
	}

	ident, err := s.identities.FindByID(ctx, tok.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return apperr.BadRequest(apperr.CodeBadRequest, "invalid or expired reset token")
		}
		return fmt.Errorf("load identity: %w", err)
	}

	hash, err := identity.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.identities.UpdatePassword(ctx, ident.ID, hash, now); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := s.sessions.RevokeAll(ctx, ident.ID, now); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if err := s.resets.Delete(ctx, tok.ID); err != nil {
		return fmt.Errorf("delete reset token: %w", err)
	}

	s.deliver(notification.Email{
		To:      ident.Email,
		Subject: "Account Password Reset",
		Body:    "Your account password has been reset successfully.",
	})
	return nil
}

// deliver sends mail with a bounded timeout. Delivery failure is logged, not
// surfaced: the persisted OTP/reset record already allows a retry.
func (s *Service) deliver(email notification.Email) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MailTimeout)
	defer cancel()
	if err := s.mailer.Send(ctx, email); err != nil {
		s.logger.Warn("mail delivery failed", "to", email.To, "subject", email.Subject, "error", err)
	}
}

func cooldownInfo(end, now time.Time) Cooldown {
	remaining := int64(end.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return Cooldown{CooldownEnd: end, RemainingSeconds: remaining}
}

func generateOTP(length int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < length; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
