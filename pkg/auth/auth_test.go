package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/kvstore"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

// fakeDirectory provisions accounts in memory, ids assigned in order.
type fakeDirectory struct {
	mu      sync.Mutex
	nextID  int64
	byEmail map[string]*models.User
	// disabled emails get IsActive=false on provisioning
	disabled map[string]bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		byEmail:  make(map[string]*models.User),
		disabled: make(map[string]bool),
	}
}

func (d *fakeDirectory) EnsureByEmail(ctx context.Context, email string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.byEmail[email]; ok {
		return u, nil
	}
	d.nextID++
	u := &models.User{
		ID:       d.nextID,
		Email:    email,
		Role:     models.UserRoleUser,
		IsActive: !d.disabled[email],
	}
	d.byEmail[email] = u
	return u, nil
}

func (d *fakeDirectory) GetByID(ctx context.Context, id int64) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, services.ErrNotFound
}

// fakeTokenStore keeps codes and refresh tokens in maps, reporting
// misses with the same sentinel the Redis-backed store uses.
type fakeTokenStore struct {
	mu      sync.Mutex
	codes   map[string]string
	refresh map[string]int64
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{
		codes:   make(map[string]string),
		refresh: make(map[string]int64),
	}
}

func (s *fakeTokenStore) SaveLoginCode(ctx context.Context, email, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = code
	return nil
}

func (s *fakeTokenStore) GetLoginCode(ctx context.Context, email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[email]
	if !ok {
		return "", kvstore.ErrNotFound
	}
	return code, nil
}

func (s *fakeTokenStore) DeleteLoginCode(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, email)
	return nil
}

func (s *fakeTokenStore) SaveRefreshToken(ctx context.Context, tokenID string, userID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenID] = userID
	return nil
}

func (s *fakeTokenStore) GetRefreshToken(ctx context.Context, tokenID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[tokenID]
	if !ok {
		return 0, kvstore.ErrNotFound
	}
	return userID, nil
}

func (s *fakeTokenStore) DeleteRefreshToken(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, tokenID)
	return nil
}

// recordingSender captures issued codes.
type recordingSender struct {
	mu    sync.Mutex
	sent  []string // "email:code"
	codes map[string]string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{codes: make(map[string]string)}
}

func (s *recordingSender) SendLoginCode(ctx context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, email+":"+code)
	s.codes[email] = code
	return nil
}

type authFixture struct {
	svc    *Service
	dir    *fakeDirectory
	store  *fakeTokenStore
	sender *recordingSender
}

func newAuthFixture() *authFixture {
	dir := newFakeDirectory()
	store := newFakeTokenStore()
	sender := newRecordingSender()
	cfg := config.AuthConfig{
		AccessTokenSecret: "test-secret",
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		LoginCodeTTL:      5 * time.Minute,
	}
	return &authFixture{
		svc:    NewService(cfg, dir, store, sender),
		dir:    dir,
		store:  store,
		sender: sender,
	}
}

// login runs the send-code + login round trip for the fixture.
func (f *authFixture) login(t *testing.T, email string) *Tokens {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.SendCode(ctx, email))
	tokens, err := f.svc.Login(ctx, email, f.sender.codes[email])
	require.NoError(t, err)
	return tokens
}

func TestSendCodeNormalizesAndStores(t *testing.T) {
	f := newAuthFixture()

	require.NoError(t, f.svc.SendCode(context.Background(), "  User@Example.COM "))

	code, ok := f.store.codes["user@example.com"]
	require.True(t, ok, "code stored under normalized email")
	assert.Len(t, code, 6)
	assert.Equal(t, code, f.sender.codes["user@example.com"])
}

func TestSendCodeRejectsBadEmail(t *testing.T) {
	f := newAuthFixture()

	assert.ErrorIs(t, f.svc.SendCode(context.Background(), "not-an-address"), ErrInvalidEmail)
	assert.ErrorIs(t, f.svc.SendCode(context.Background(), "   "), ErrInvalidEmail)
	assert.Empty(t, f.sender.sent)
}

func TestLoginProvisionsAccountAndIssuesTokens(t *testing.T) {
	f := newAuthFixture()
	ctx := context.Background()

	tokens := f.login(t, "user@example.com")
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, 3600, tokens.ExpiresIn)
	assert.Equal(t, "user@example.com", tokens.User.Email)

	// Code is consumed, refresh token registered to the new account.
	assert.NotContains(t, f.store.codes, "user@example.com")
	assert.Equal(t, tokens.User.ID, f.store.refresh[tokens.RefreshToken])

	id, err := f.svc.Verify(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.User.ID, id.UserID)
	assert.Equal(t, "user@example.com", id.Email)
	assert.Equal(t, "user", id.Role)
}

func TestLoginWrongCodeKeepsPendingCode(t *testing.T) {
	f := newAuthFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.SendCode(ctx, "user@example.com"))

	_, err := f.svc.Login(ctx, "user@example.com", "000000")
	if f.sender.codes["user@example.com"] == "000000" {
		t.Skip("generated code collided with the guess")
	}
	assert.ErrorIs(t, err, ErrInvalidCode)

	// A mistyped attempt does not burn the code.
	_, err = f.svc.Login(ctx, "user@example.com", f.sender.codes["user@example.com"])
	require.NoError(t, err)
}

func TestLoginExpiredCode(t *testing.T) {
	f := newAuthFixture()

	_, err := f.svc.Login(context.Background(), "user@example.com", "123456")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestLoginDisabledAccount(t *testing.T) {
	f := newAuthFixture()
	f.dir.disabled["blocked@example.com"] = true
	ctx := context.Background()

	require.NoError(t, f.svc.SendCode(ctx, "blocked@example.com"))
	_, err := f.svc.Login(ctx, "blocked@example.com", f.sender.codes["blocked@example.com"])
	assert.ErrorIs(t, err, ErrUserDisabled)
}

func TestRefreshRotatesTokens(t *testing.T) {
	f := newAuthFixture()
	ctx := context.Background()

	first := f.login(t, "user@example.com")
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old refresh token is gone, and the access token minted with
	// it dies too.
	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svc.Verify(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	id, err := f.svc.Verify(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, id.UserID)
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newAuthFixture()

	_, err := f.svc.Refresh(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newAuthFixture()
	ctx := context.Background()

	tokens := f.login(t, "user@example.com")
	require.NoError(t, f.svc.Logout(ctx, tokens.RefreshToken))

	_, err := f.svc.Verify(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Idempotent: revoking again (or revoking nothing) succeeds.
	assert.NoError(t, f.svc.Logout(ctx, tokens.RefreshToken))
	assert.NoError(t, f.svc.Logout(ctx, ""))
}

func TestGenerateCode(t *testing.T) {
	for range 20 {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9', "code %q has non-digit", code)
		}
	}
}
