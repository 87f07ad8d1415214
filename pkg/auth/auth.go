// Package auth implements the email login-code flow and token issuance.
//
// Sessions are a pair of tokens: an opaque refresh token living in the
// KV store for seven days, and a short-lived HS256 access JWT that
// embeds the refresh token's id. Revoking the refresh token (logout or
// rotation) kills the access token with it, because every verification
// checks the embedded id is still alive.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/kvstore"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

var (
	// ErrInvalidEmail rejects addresses that cannot receive a code.
	ErrInvalidEmail = errors.New("auth: invalid email address")

	// ErrInvalidCode rejects login attempts with a wrong or expired code.
	ErrInvalidCode = errors.New("auth: invalid or expired login code")

	// ErrInvalidToken rejects unverifiable, expired or revoked tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUserDisabled rejects deactivated accounts.
	ErrUserDisabled = errors.New("auth: account is disabled")
)

// Directory looks up and provisions accounts. Implemented by
// *services.UserService.
type Directory interface {
	EnsureByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// TokenStore holds login codes and refresh tokens. Implemented by
// *kvstore.Store; misses are reported as kvstore.ErrNotFound.
type TokenStore interface {
	SaveLoginCode(ctx context.Context, email, code string, ttl time.Duration) error
	GetLoginCode(ctx context.Context, email string) (string, error)
	DeleteLoginCode(ctx context.Context, email string) error
	SaveRefreshToken(ctx context.Context, tokenID string, userID int64, ttl time.Duration) error
	GetRefreshToken(ctx context.Context, tokenID string) (int64, error)
	DeleteRefreshToken(ctx context.Context, tokenID string) error
}

// Tokens is one issued session: the access JWT for the Authorization
// header and the opaque refresh token for the HttpOnly cookie.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // access token lifetime in seconds
	User         *models.User
}

// Service implements the login-code and token lifecycle.
type Service struct {
	cfg    config.AuthConfig
	users  Directory
	tokens TokenStore
	sender CodeSender
	logger *slog.Logger
}

// NewService creates the auth service. A nil sender falls back to
// LogSender, which writes codes to the process log.
func NewService(cfg config.AuthConfig, users Directory, tokens TokenStore, sender CodeSender) *Service {
	if sender == nil {
		sender = LogSender{}
	}
	return &Service{
		cfg:    cfg,
		users:  users,
		tokens: tokens,
		sender: sender,
		logger: slog.With("component", "auth"),
	}
}

// SendCode issues a fresh 6-digit login code for the address and hands
// it to the sender. A new code replaces any pending one.
func (s *Service) SendCode(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate login code: %w", err)
	}
	if err := s.tokens.SaveLoginCode(ctx, email, code, s.codeTTL()); err != nil {
		return err
	}
	if err := s.sender.SendLoginCode(ctx, email, code); err != nil {
		return fmt.Errorf("failed to deliver login code: %w", err)
	}

	s.logger.Info("Login code issued", "email", email)
	return nil
}

// Login exchanges a pending code for a token pair. The account is
// provisioned on first login. A mistyped code does not burn the pending
// one; only expiry or a successful login removes it.
func (s *Service) Login(ctx context.Context, email, code string) (*Tokens, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	stored, err := s.tokens.GetLoginCode(ctx, email)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return nil, ErrInvalidCode
	}
	if err := s.tokens.DeleteLoginCode(ctx, email); err != nil {
		s.logger.Warn("Failed to delete consumed login code", "email", email, "error", err)
	}

	user, err := s.users.EnsureByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return s.issueTokens(ctx, user)
}

// Refresh rotates a refresh token: the old one is revoked and a new
// pair is issued. Access tokens minted against the old one die with it.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	userID, err := s.tokens.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	if err := s.tokens.DeleteRefreshToken(ctx, refreshToken); err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, user)
}

// Logout revokes the refresh token. Revoking an unknown or empty token
// is not an error; logout must be idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.tokens.DeleteRefreshToken(ctx, refreshToken)
}

// issueTokens mints the refresh token first so its id can ride inside
// the access token claims.
func (s *Service) issueTokens(ctx context.Context, user *models.User) (*Tokens, error) {
	refresh := uuid.NewString()
	if err := s.tokens.SaveRefreshToken(ctx, refresh, user.ID, s.refreshTTL()); err != nil {
		return nil, err
	}

	access, err := s.signAccessToken(user, refresh, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL().Seconds()),
		User:         user,
	}, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// generateCode returns a uniformly random 6-digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (s *Service) accessTTL() time.Duration {
	if s.cfg.AccessTokenTTL > 0 {
		return s.cfg.AccessTokenTTL
	}
	return 60 * time.Minute
}

func (s *Service) refreshTTL() time.Duration {
	if s.cfg.RefreshTokenTTL > 0 {
		return s.cfg.RefreshTokenTTL
	}
	return 7 * 24 * time.Hour
}

func (s *Service) codeTTL() time.Duration {
	if s.cfg.LoginCodeTTL > 0 {
		return s.cfg.LoginCodeTTL
	}
	return 5 * time.Minute
}
