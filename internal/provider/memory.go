package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/unicore-erp/unicore/internal/session"
)

const memoryTokenTTL = time.Hour

// MemoryAPI is an in-process credential service for local development and
// tests. Accounts, refresh tokens and magic links live only in memory.
type MemoryAPI struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	users   map[string]*memoryUser
	refresh map[string]string
	links   map[string]string
	outbox  map[string]string
}

type memoryUser struct {
	user session.ProviderUser
	hash []byte
}

var _ API = (*MemoryAPI)(nil)

// NewMemoryAPI builds a MemoryAPI signing access tokens with secret.
func NewMemoryAPI(secret string) *MemoryAPI {
	if secret == "" {
		secret = "unicore-dev-secret"
	}
	return &MemoryAPI{
		secret:  []byte(secret),
		ttl:     memoryTokenTTL,
		now:     time.Now,
		users:   make(map[string]*memoryUser),
		refresh: make(map[string]string),
		links:   make(map[string]string),
		outbox:  make(map[string]string),
	}
}

// Secret returns the signing key for access tokens.
func (m *MemoryAPI) Secret() []byte {
	return m.secret
}

// Seed creates an account without going through SignUp.
func (m *MemoryAPI) Seed(email, password string, metadata map[string]any) (session.ProviderUser, error) {
	user, _, err := m.SignUp(context.Background(), email, password, metadata)
	if err != nil {
		return session.ProviderUser{}, err
	}
	return *user, nil
}

// LastMagicLink returns the most recent link sent to email.
func (m *MemoryAPI) LastMagicLink(email string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.outbox[normalizeEmail(email)]
	return link, ok
}

// PasswordGrant checks the password against the stored bcrypt hash.
func (m *MemoryAPI) PasswordGrant(ctx context.Context, email, password string) (*session.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[normalizeEmail(email)]
	if !ok || bcrypt.CompareHashAndPassword(rec.hash, []byte(password)) != nil {
		return nil, &CredentialError{Status: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}
	return m.issueLocked(rec.user)
}

// RefreshGrant rotates a refresh token.
func (m *MemoryAPI) RefreshGrant(ctx context.Context, refreshToken string) (*session.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email, ok := m.refresh[refreshToken]
	if !ok {
		return nil, &CredentialError{Status: http.StatusBadRequest, Code: "refresh_token_not_found", Message: "Invalid Refresh Token: Refresh Token Not Found"}
	}
	delete(m.refresh, refreshToken)
	rec, ok := m.users[email]
	if !ok {
		return nil, &CredentialError{Status: http.StatusBadRequest, Code: "user_not_found", Message: "User not found"}
	}
	return m.issueLocked(rec.user)
}

// SendMagicLink records a one-time link in the outbox of a known account.
// Unknown addresses are accepted silently.
func (m *MemoryAPI) SendMagicLink(ctx context.Context, email, redirectTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeEmail(email)
	if _, ok := m.users[key]; !ok {
		return nil
	}
	hash := uuid.NewString()
	m.links[hash] = key
	link := redirectTo
	if link == "" {
		link = "/auth/callback"
	}
	sep := "?"
	if strings.Contains(link, "?") {
		sep = "&"
	}
	m.outbox[key] = link + sep + "token_hash=" + url.QueryEscape(hash) + "&type=magiclink"
	return nil
}

// VerifyMagicLink redeems a link once.
func (m *MemoryAPI) VerifyMagicLink(ctx context.Context, tokenHash string) (*session.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email, ok := m.links[tokenHash]
	if !ok {
		return nil, &CredentialError{Status: http.StatusForbidden, Code: "otp_expired", Message: "Email link is invalid or has expired"}
	}
	delete(m.links, tokenHash)
	return m.issueLocked(m.users[email].user)
}

// SignUp creates an account and signs it in immediately.
func (m *MemoryAPI) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*session.ProviderUser, *session.Credential, error) {
	key := normalizeEmail(email)
	if key == "" {
		return nil, nil, &CredentialError{Status: http.StatusUnprocessableEntity, Code: "validation_failed", Message: "Unable to validate email address: invalid format"}
	}
	if len(password) < 6 {
		return nil, nil, &CredentialError{Status: http.StatusUnprocessableEntity, Code: "weak_password", Message: "Password should be at least 6 characters."}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[key]; exists {
		return nil, nil, &CredentialError{Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}
	}
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	user := session.ProviderUser{ID: uuid.NewString(), Email: key, Metadata: meta}
	m.users[key] = &memoryUser{user: user, hash: hash}
	cred, err := m.issueLocked(user)
	if err != nil {
		return nil, nil, err
	}
	return &user, cred, nil
}

// Logout revokes every refresh token of the access token's subject.
func (m *MemoryAPI) Logout(ctx context.Context, accessToken string) error {
	claims, err := ParseAccessToken(accessToken, m.secret)
	if err != nil {
		return &CredentialError{Status: http.StatusUnauthorized, Code: "bad_jwt", Message: "invalid JWT"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(claims.Email)
	for token, owner := range m.refresh {
		if owner == email {
			delete(m.refresh, token)
		}
	}
	return nil
}

func (m *MemoryAPI) issueLocked(user session.ProviderUser) (*session.Credential, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	access, err := signAccessToken(m.secret, user, now, expires)
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	m.refresh[refresh] = normalizeEmail(user.Email)
	return &session.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(expires.Unix(), 0),
		User:         user,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
