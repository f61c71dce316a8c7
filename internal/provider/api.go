// Package provider talks to the external credential service and adapts it to
// session.CredentialProvider, one client per browser scope.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unicore-erp/unicore/internal/session"
)

var (
	// ErrInvalidToken is returned when an access token cannot be parsed.
	ErrInvalidToken = errors.New("provider: invalid access token")
	// ErrNoSession is returned when an operation needs a stored credential.
	ErrNoSession = errors.New("provider: no session")
	// ErrUnavailable is returned when the credential service cannot be
	// reached or answers with a server error. Stored credentials are kept.
	ErrUnavailable = errors.New("provider: credential service unavailable")
)

// CredentialError is a 4xx rejection reported by the credential service.
// Message is meant for end users and is displayed as is.
type CredentialError struct {
	Status  int
	Code    string
	Message string
}

func (e *CredentialError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("provider: %s (%d)", e.Message, e.Status)
}

// API is the raw credential service surface.
type API interface {
	PasswordGrant(ctx context.Context, email, password string) (*session.Credential, error)
	RefreshGrant(ctx context.Context, refreshToken string) (*session.Credential, error)
	SendMagicLink(ctx context.Context, email, redirectTo string) error
	VerifyMagicLink(ctx context.Context, tokenHash string) (*session.Credential, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*session.ProviderUser, *session.Credential, error)
	Logout(ctx context.Context, accessToken string) error
}

// Claims are the access token claims the portal reads.
type Claims struct {
	Email        string         `json:"email,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// ParseAccessToken reads the claims of token. When secret is empty the
// signature is not checked and only the payload is decoded.
func ParseAccessToken(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	if len(secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return claims, nil
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func signAccessToken(secret []byte, user session.ProviderUser, issued, expires time.Time) (string, error) {
	claims := Claims{
		Email:        user.Email,
		UserMetadata: user.Metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// credentialExpiry picks the explicit expiry when present, otherwise the
// token's exp claim.
func credentialExpiry(accessToken string, expiresAt, expiresIn int64, secret []byte, now time.Time) (time.Time, error) {
	switch {
	case expiresAt > 0:
		return time.Unix(expiresAt, 0), nil
	case expiresIn > 0:
		return now.Add(time.Duration(expiresIn) * time.Second), nil
	}
	claims, err := ParseAccessToken(accessToken, secret)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}
