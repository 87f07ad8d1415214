package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-ai/parley/pkg/kvstore"
	"github.com/parley-ai/parley/pkg/models"
)

// accessClaims is the JWT payload. RTID binds the access token to the
// refresh token minted alongside it: once that refresh token is revoked,
// the access token fails verification regardless of its expiry.
type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
	RTID  string `json:"rtid"`
}

// Identity is the authenticated caller attached to each request.
type Identity struct {
	UserID int64
	Email  string
	Role   string
}

func (s *Service) signAccessToken(user *models.User, rtid string, now time.Time) (string, error) {
	claims := &accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL())),
		},
		Email: user.Email,
		Role:  string(user.Role),
		RTID:  rtid,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.AccessTokenSecret))
}

// Verify validates an access token and confirms the refresh token it
// was minted with is still alive. Both the HTTP middleware and the
// WebSocket upgrade (?token=) verify through here.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.AccessTokenSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || claims.RTID == "" {
		return nil, ErrInvalidToken
	}

	owner, err := s.tokens.GetRefreshToken(ctx, claims.RTID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if owner != userID {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: userID, Email: claims.Email, Role: claims.Role}, nil
}
