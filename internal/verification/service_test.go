package verification

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagelink/stagelink/internal/apperr"
	"github.com/stagelink/stagelink/internal/config"
	"github.com/stagelink/stagelink/internal/identity"
	"github.com/stagelink/stagelink/internal/logging"
	"github.com/stagelink/stagelink/internal/notification"
	"github.com/stagelink/stagelink/internal/session"
)

// captureMailer records every email instead of sending it.
type captureMailer struct {
	mu   sync.Mutex
	sent []notification.Email
}

func (m *captureMailer) Send(_ context.Context, email notification.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return nil
}

func (m *captureMailer) last(t *testing.T) notification.Email {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatalf("no mail was sent")
	}
	return m.sent[len(m.sent)-1]
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type verifyFixture struct {
	svc        *Service
	identities identity.Repository
	sessions   session.Repository
	resets     ResetTokenRepository
	mailer     *captureMailer
	ident      identity.Identity
}

func newVerifyFixture(t *testing.T, verified bool) *verifyFixture {
	t.Helper()
	cfg := config.Config{
		OTPCooldown:     5 * time.Minute,
		ResetTokenTTL:   5 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		MailTimeout:     time.Second,
		FrontendBaseURL: "https://app.example.com",
	}
	identities := identity.NewMemoryRepository()
	sessions := session.NewMemoryRepository()
	resets := NewMemoryResetTokenRepository()
	mailer := &captureMailer{}
	svc := NewService(cfg, identities, resets, sessions, mailer, logging.Discard())

	ident, err := identity.NewService(identities).Create(
		context.Background(), identity.RoleFan, "fan@example.com", "Test Fan", "password1", verified)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return &verifyFixture{svc: svc, identities: identities, sessions: sessions, resets: resets, mailer: mailer, ident: ident}
}

func (f *verifyFixture) storedOTP(t *testing.T) (string, time.Time) {
	t.Helper()
	ident, err := f.identities.FindByEmailWithSecrets(context.Background(), "fan@example.com")
	if err != nil {
		t.Fatalf("load secrets: %v", err)
	}
	return ident.OTPCode, ident.OTPCooldownEnd
}

var otpPattern = regexp.MustCompile(`^\d{6}$`)

func TestRequestEmailVerificationIssuesCode(t *testing.T) {
	f := newVerifyFixture(t, false)

	cd, err := f.svc.RequestEmailVerification(context.Background(), "fan@example.com")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if cd.RemainingSeconds <= 0 || cd.RemainingSeconds > 300 {
		t.Fatalf("remaining = %d, want within cooldown window", cd.RemainingSeconds)
	}

	code, end := f.storedOTP(t)
	if !otpPattern.MatchString(code) {
		t.Fatalf("stored code %q is not a 6-digit otp", code)
	}
	if !end.Equal(cd.CooldownEnd) {
		t.Fatalf("stored cooldown end differs from the reported one")
	}
	if mail := f.mailer.last(t); !strings.Contains(mail.Body, code) {
		t.Fatalf("mail body must carry the code")
	}
}

func TestRequestEmailVerificationCooldownIsIdempotent(t *testing.T) {
	f := newVerifyFixture(t, false)
	ctx := context.Background()

	first, err := f.svc.RequestEmailVerification(ctx, "fan@example.com")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	code, _ := f.storedOTP(t)

	second, err := f.svc.RequestEmailVerification(ctx, "fan@example.com")
	if err != nil {
		t.Fatalf("second request within cooldown must not fail: %v", err)
	}
	if !second.CooldownEnd.Equal(first.CooldownEnd) {
		t.Fatalf("cooldown end must not move: %v vs %v", second.CooldownEnd, first.CooldownEnd)
	}
	if again, _ := f.storedOTP(t); again != code {
		t.Fatalf("code must not be regenerated inside the cooldown")
	}
	if f.mailer.count() != 1 {
		t.Fatalf("expected a single mail, got %d", f.mailer.count())
	}

	// once the cooldown lapses, a fresh code is issued
	f.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	if _, err := f.svc.RequestEmailVerification(ctx, "fan@example.com"); err != nil {
		t.Fatalf("request after cooldown: %v", err)
	}
	if f.mailer.count() != 2 {
		t.Fatalf("expected a second mail, got %d", f.mailer.count())
	}
}

func TestRequestEmailVerificationRejections(t *testing.T) {
	f := newVerifyFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.RequestEmailVerification(ctx, "fan@example.com")
	if apperr.From(err).Code != apperr.CodeAlreadyVerified {
		t.Fatalf("verified account: got %v", err)
	}
	_, err = f.svc.RequestEmailVerification(ctx, "nobody@example.com")
	if apperr.From(err).Code != apperr.CodeNotFound {
		t.Fatalf("unknown email: got %v", err)
	}
}

func TestVerifyEmail(t *testing.T) {
	f := newVerifyFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.RequestEmailVerification(ctx, "fan@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	code, _ := f.storedOTP(t)

	// a wrong attempt does not burn the stored code
	err := f.svc.VerifyEmail(ctx, "fan@example.com", "000000")
	if apperr.From(err).Code != apperr.CodeInvalidCode {
		t.Fatalf("wrong code: got %v", err)
	}
	if kept, _ := f.storedOTP(t); kept != code {
		t.Fatalf("a failed attempt must leave the code intact")
	}

	if err := f.svc.VerifyEmail(ctx, "fan@example.com", code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	ident, err := f.identities.FindByEmail(ctx, "fan@example.com")
	if err != nil || !ident.Verified {
		t.Fatalf("account must be verified: %v %v", ident.Verified, err)
	}

	// the code is single use: replaying it hits the already-verified guard
	err = f.svc.VerifyEmail(ctx, "fan@example.com", code)
	if apperr.From(err).Code != apperr.CodeAlreadyVerified {
		t.Fatalf("replayed code: got %v", err)
	}
}

func TestVerifyEmailExpiredCode(t *testing.T) {
	f := newVerifyFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.RequestEmailVerification(ctx, "fan@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	code, _ := f.storedOTP(t)

	f.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	err := f.svc.VerifyEmail(ctx, "fan@example.com", code)
	if apperr.From(err).Code != apperr.CodeCodeExpired {
		t.Fatalf("expired code: got %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newVerifyFixture(t, true)
	ctx := context.Background()

	// a live session that the reset must kill
	sess := session.Session{ID: "sess-1", IdentityID: f.ident.ID, ExpiresAt: time.Now().Add(time.Hour)}
	if err := f.sessions.CreateWithCap(ctx, sess, 3, time.Now()); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := f.svc.RequestPasswordReset(ctx, "fan@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}

	mail := f.mailer.last(t)
	if !strings.HasPrefix(mail.Body, "https://app.example.com/reset-password/") {
		t.Fatalf("reset link malformed: %q", mail.Body)
	}
	tokenID := mail.Body[strings.LastIndex(mail.Body, "/")+1:]

	// a second request inside the token's lifetime is throttled
	err := f.svc.RequestPasswordReset(ctx, "fan@example.com")
	if apperr.From(err).Code != apperr.CodeRateLimited {
		t.Fatalf("second request: got %v", err)
	}

	if err := f.svc.ResetPassword(ctx, tokenID, "new-password"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	ident, err := f.identities.FindByEmailWithSecrets(ctx, "fan@example.com")
	if err != nil {
		t.Fatalf("load secrets: %v", err)
	}
	if !identity.CheckPassword("new-password", ident.PasswordHash) {
		t.Fatalf("password was not replaced")
	}

	count, err := f.sessions.CountActive(ctx, f.ident.ID, time.Now())
	if err != nil || count != 0 {
		t.Fatalf("reset must revoke every session: count=%d err=%v", count, err)
	}

	// the token is consumed
	err = f.svc.ResetPassword(ctx, tokenID, "another-password")
	if apperr.From(err).Code != apperr.CodeBadRequest {
		t.Fatalf("replayed token: got %v", err)
	}
}

func TestResetPasswordExpiredToken(t *testing.T) {
	f := newVerifyFixture(t, true)
	ctx := context.Background()

	if err := f.svc.RequestPasswordReset(ctx, "fan@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	mail := f.mailer.last(t)
	tokenID := mail.Body[strings.LastIndex(mail.Body, "/")+1:]

	f.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	err := f.svc.ResetPassword(ctx, tokenID, "new-password")
	if apperr.From(err).Code != apperr.CodeBadRequest {
		t.Fatalf("expired token: got %v", err)
	}

	// the expired token no longer blocks a fresh request either
	if err := f.svc.RequestPasswordReset(ctx, "fan@example.com"); err != nil {
		t.Fatalf("request after expiry: %v", err)
	}
}
