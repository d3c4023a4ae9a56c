package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stagelink/stagelink/internal/apperr"
	"github.com/stagelink/stagelink/internal/config"
	"github.com/stagelink/stagelink/internal/identity"
	"github.com/stagelink/stagelink/internal/logging"
	"github.com/stagelink/stagelink/internal/session"
	"github.com/stagelink/stagelink/internal/token"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:              "test-secret",
		AccessTokenTTL:         time.Hour,
		RefreshTokenTTL:        30 * 24 * time.Hour,
		MaxLoginDevices:        3,
		PasswordChangeCooldown: 30 * time.Minute,
	}
}

type fixture struct {
	svc        *Service
	identities identity.Repository
	sessions   session.Repository
	ident      identity.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	identities := identity.NewMemoryRepository()
	sessions := session.NewMemoryRepository()
	tokens := token.NewService(cfg.JWTSecret, cfg.AccessTokenTTL)
	svc := NewService(cfg, identities, sessions, tokens, logging.Discard())

	ident, err := identity.NewService(identities).Create(
		context.Background(), identity.RoleFan, "fan@example.com", "Test Fan", "correct-horse", true)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return &fixture{svc: svc, identities: identities, sessions: sessions, ident: ident}
}

func device() DeviceMeta {
	return DeviceMeta{UserAgent: "test-agent", IP: "127.0.0.1"}
}

func TestLoginIssuesSessionAndTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.AccessToken == "" || res.RefreshSecret == "" {
		t.Fatalf("expected both tokens")
	}
	if res.Session.RefreshLookupDigest != token.LookupDigest(res.RefreshSecret) {
		t.Fatalf("lookup digest must derive from the returned secret")
	}
	if !token.MatchVerificationHash(res.RefreshSecret, res.Session.RefreshVerificationHash) {
		t.Fatalf("verification hash must match the returned secret")
	}

	count, err := f.sessions.CountActive(ctx, f.ident.ID, time.Now())
	if err != nil || count != 1 {
		t.Fatalf("expected 1 active session, got %d err=%v", count, err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Login(ctx, "fan@example.com", "wrong", device()); !errors.Is(err, apperr.InvalidCredentials()) {
		t.Fatalf("wrong password: expected INVALID_CREDENTIALS, got %v", err)
	}
	if _, err := f.svc.Login(ctx, "nobody@example.com", "correct-horse", device()); !errors.Is(err, apperr.InvalidCredentials()) {
		t.Fatalf("unknown email: expected INVALID_CREDENTIALS, got %v", err)
	}

	// missing account and wrong password must not be distinguishable
	count, err := f.sessions.CountActive(ctx, f.ident.ID, time.Now())
	if err != nil || count != 0 {
		t.Fatalf("failed logins must not create sessions: count=%d err=%v", count, err)
	}
}

func TestLoginRejectsUnverifiedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := identity.NewService(f.identities).Create(ctx, identity.RoleArtist, "new@example.com", "New Artist", "password1", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := f.svc.Login(ctx, "new@example.com", "password1", device())
	ae := apperr.From(err)
	if ae.Code != apperr.CodeAccountNotVerified {
		t.Fatalf("expected ACCOUNT_NOT_VERIFIED, got %v", err)
	}
}

func TestDeviceCapScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results := make([]LoginResult, 3)
	for i := range results {
		res, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
		if err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
		results[i] = res
	}

	// 4th login is rejected outright: no session, no tokens
	if _, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device()); !errors.Is(err, apperr.SessionLimitExceeded()) {
		t.Fatalf("expected SESSION_LIMIT_EXCEEDED, got %v", err)
	}
	count, err := f.sessions.CountActive(ctx, f.ident.ID, time.Now())
	if err != nil || count != 3 {
		t.Fatalf("expected cap to hold at 3, got %d err=%v", count, err)
	}

	// revoking one device frees a slot
	if err := f.svc.RevokeSession(ctx, results[0].Session.ID, f.ident.ID, results[1].Session.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device()); err != nil {
		t.Fatalf("login after revoke should succeed: %v", err)
	}
}

func TestDeviceCapUnderConcurrentLogins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.SessionLimitExceeded()):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 3 {
		t.Fatalf("expected exactly 3 concurrent logins admitted, got %d", ok)
	}
}

func TestRotateAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	access, err := f.svc.RotateAccessToken(ctx, res.RefreshSecret)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	claims, err := token.NewService(testConfig().JWTSecret, time.Hour).VerifyAccess(access)
	if err != nil {
		t.Fatalf("verify rotated token: %v", err)
	}
	if claims.SessionID != res.Session.ID {
		t.Fatalf("rotated token must stay bound to the same session")
	}

	// the refresh secret is reusable until expiry or revocation
	if _, err := f.svc.RotateAccessToken(ctx, res.RefreshSecret); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
}

func TestRotateFailsUniformly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// unknown secret
	unknown, _ := token.NewRefreshSecret()
	if _, err := f.svc.RotateAccessToken(ctx, unknown); !errors.Is(err, apperr.SessionExpired()) {
		t.Fatalf("unknown secret: expected SESSION_EXPIRED, got %v", err)
	}
	// empty secret
	if _, err := f.svc.RotateAccessToken(ctx, ""); !errors.Is(err, apperr.SessionExpired()) {
		t.Fatalf("empty secret: expected SESSION_EXPIRED, got %v", err)
	}

	// revoked session fails permanently and identically
	if err := f.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.svc.RotateAccessToken(ctx, res.RefreshSecret); !errors.Is(err, apperr.SessionExpired()) {
			t.Fatalf("attempt %d after revoke: expected SESSION_EXPIRED, got %v", i, err)
		}
	}
}

func TestRotateFailsOnExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	if _, err := f.svc.RotateAccessToken(ctx, res.RefreshSecret); !errors.Is(err, apperr.SessionExpired()) {
		t.Fatalf("expected SESSION_EXPIRED after expiry, got %v", err)
	}
}

func TestRevokeSessionGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	other, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// unknown session
	err = f.svc.RevokeSession(ctx, "00000000-0000-0000-0000-000000000000", f.ident.ID, mine.Session.ID)
	if apperr.From(err).Code != apperr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	// someone else's session
	stranger, err := identity.NewService(f.identities).Create(ctx, identity.RoleFan, "x@example.com", "X", "password1", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = f.svc.RevokeSession(ctx, other.Session.ID, stranger.ID, "")
	if apperr.From(err).Code != apperr.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	// the current session must go through logout
	err = f.svc.RevokeSession(ctx, mine.Session.ID, f.ident.ID, mine.Session.ID)
	if apperr.From(err).Code != apperr.CodeSelfRevokeCurrent {
		t.Fatalf("expected SELF_REVOKE_CURRENT, got %v", err)
	}

	// second revoke is a conflict, not a silent success
	if err := f.svc.RevokeSession(ctx, other.Session.ID, f.ident.ID, mine.Session.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	err = f.svc.RevokeSession(ctx, other.Session.ID, f.ident.ID, mine.Session.ID)
	if apperr.From(err).Code != apperr.CodeAlreadyRevoked {
		t.Fatalf("expected ALREADY_REVOKED, got %v", err)
	}
}

func TestChangePasswordRevokesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var results []LoginResult
	for i := 0; i < 3; i++ {
		res, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
		if err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
		results = append(results, res)
	}

	revoked, err := f.svc.ChangePassword(ctx, f.ident.ID, "correct-horse", "battery-staple")
	if err != nil {
		t.Fatalf("change password: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("expected all 3 sessions revoked, got %d", revoked)
	}

	// every refresh secret is dead, the caller's included
	for i, res := range results {
		if _, err := f.svc.RotateAccessToken(ctx, res.RefreshSecret); !errors.Is(err, apperr.SessionExpired()) {
			t.Fatalf("secret %d should be dead: %v", i, err)
		}
	}

	// the old password no longer logs in, the new one does
	if _, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device()); !errors.Is(err, apperr.InvalidCredentials()) {
		t.Fatalf("old password must fail: %v", err)
	}
	if _, err := f.svc.Login(ctx, "fan@example.com", "battery-staple", device()); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
}

func TestChangePasswordCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ChangePassword(ctx, f.ident.ID, "correct-horse", "battery-staple"); err != nil {
		t.Fatalf("first change: %v", err)
	}

	_, err := f.svc.ChangePassword(ctx, f.ident.ID, "battery-staple", "third-password")
	if apperr.From(err).Code != apperr.CodePasswordChangeCooldown {
		t.Fatalf("expected PASSWORD_RECENTLY_CHANGED, got %v", err)
	}

	// after the cooldown the change goes through
	f.svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	if _, err := f.svc.ChangePassword(ctx, f.ident.ID, "battery-staple", "third-password"); err != nil {
		t.Fatalf("change after cooldown: %v", err)
	}
}

func TestChangePasswordRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ChangePassword(ctx, f.ident.ID, "wrong-old", "new-password")
	if apperr.From(err).Code != apperr.CodeInvalidCredentials {
		t.Fatalf("wrong old password: got %v", err)
	}
	_, err = f.svc.ChangePassword(ctx, f.ident.ID, "correct-horse", "correct-horse")
	if apperr.From(err).Code != apperr.CodeBadRequest {
		t.Fatalf("same password: got %v", err)
	}
}

func TestListSessionsFlagsCurrentDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device()); err != nil {
		t.Fatalf("login: %v", err)
	}

	infos, err := f.svc.ListSessions(ctx, f.ident.ID, first.Session.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	var flagged int
	for _, info := range infos {
		if info.IsThisDevice {
			flagged++
			if info.ID != first.Session.ID {
				t.Fatalf("wrong session flagged as current")
			}
		}
	}
	if flagged != 1 {
		t.Fatalf("exactly one session must be flagged, got %d", flagged)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "fan@example.com", "correct-horse", device())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := f.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("second logout must be a no-op: %v", err)
	}
}
