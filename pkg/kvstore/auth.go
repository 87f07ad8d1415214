package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

func loginCodeKey(email string) string {
	return "login_code:" + email
}

func refreshTokenKey(tokenID string) string {
	return "refresh_token:" + tokenID
}

// SaveLoginCode stores the one-time login code mailed to the user.
func (s *Store) SaveLoginCode(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.set(ctx, loginCodeKey(email), code, ttl)
}

// GetLoginCode returns the pending login code for the email, or ErrNotFound.
// The code is left in place: the auth service deletes it only after a
// successful comparison, so a mistyped attempt does not burn it.
func (s *Store) GetLoginCode(ctx context.Context, email string) (string, error) {
	return s.get(ctx, loginCodeKey(email))
}

// DeleteLoginCode removes a consumed login code.
func (s *Store) DeleteLoginCode(ctx context.Context, email string) error {
	return s.del(ctx, loginCodeKey(email))
}

// SaveRefreshToken records the refresh token id with its owning user.
// Access tokens embed this id; once the entry expires or is deleted,
// the auth middleware rejects any access token still referencing it.
func (s *Store) SaveRefreshToken(ctx context.Context, tokenID string, userID int64, ttl time.Duration) error {
	return s.set(ctx, refreshTokenKey(tokenID), strconv.FormatInt(userID, 10), ttl)
}

// GetRefreshToken resolves a refresh token id to the owning user id.
func (s *Store) GetRefreshToken(ctx context.Context, tokenID string) (int64, error) {
	val, err := s.get(ctx, refreshTokenKey(tokenID))
	if err != nil {
		return 0, err
	}
	userID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt refresh token entry %q: %w", val, err)
	}
	return userID, nil
}

// DeleteRefreshToken revokes a refresh token (logout or rotation).
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenID string) error {
	return s.del(ctx, refreshTokenKey(tokenID))
}
