package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/unicore-erp/unicore/internal/session"
)

const (
	defaultRetryMax     = 2
	defaultRetryWaitMax = 2 * time.Second
	maxErrorBody        = 64 << 10
)

// GoTrueConfig configures GoTrueAPI.
type GoTrueConfig struct {
	BaseURL   string
	APIKey    string
	JWTSecret string
	Timeout   time.Duration
	RetryMax  int
}

// GoTrueAPI implements API against a GoTrue compatible auth REST service.
type GoTrueAPI struct {
	client  *http.Client
	baseURL string
	apiKey  string
	secret  []byte
	now     func() time.Time
}

var _ API = (*GoTrueAPI)(nil)

// NewGoTrueAPI builds a client with retries on transport errors and 5xx.
func NewGoTrueAPI(cfg GoTrueConfig) *GoTrueAPI {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	if retryClient.RetryMax <= 0 {
		retryClient.RetryMax = defaultRetryMax
	}
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = defaultRetryWaitMax
	if cfg.Timeout > 0 {
		retryClient.HTTPClient.Timeout = cfg.Timeout
	}
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && resp != nil && resp.StatusCode < http.StatusInternalServerError {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &GoTrueAPI{
		client:  retryClient.StandardClient(),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		secret:  []byte(cfg.JWTSecret),
		now:     time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	RefreshToken string     `json:"refresh_token"`
	User         userRecord `json:"user"`
}

type userRecord struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u userRecord) providerUser() session.ProviderUser {
	return session.ProviderUser{ID: u.ID, Email: u.Email, Metadata: u.UserMetadata}
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// PasswordGrant exchanges email and password for a credential.
func (a *GoTrueAPI) PasswordGrant(ctx context.Context, email, password string) (*session.Credential, error) {
	var out tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := a.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &out); err != nil {
		return nil, err
	}
	return a.credential(out)
}

// RefreshGrant exchanges a refresh token for a new credential.
func (a *GoTrueAPI) RefreshGrant(ctx context.Context, refreshToken string) (*session.Credential, error) {
	var out tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := a.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &out); err != nil {
		return nil, err
	}
	return a.credential(out)
}

// SendMagicLink asks the service to email a one-time sign-in link.
func (a *GoTrueAPI) SendMagicLink(ctx context.Context, email, redirectTo string) error {
	path := "/otp"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	body := map[string]any{"email": email, "create_user": false}
	return a.do(ctx, http.MethodPost, path, "", body, nil)
}

// VerifyMagicLink redeems the token hash carried by a magic link.
func (a *GoTrueAPI) VerifyMagicLink(ctx context.Context, tokenHash string) (*session.Credential, error) {
	var out tokenResponse
	body := map[string]string{"type": "magiclink", "token_hash": tokenHash}
	if err := a.do(ctx, http.MethodPost, "/verify", "", body, &out); err != nil {
		return nil, err
	}
	return a.credential(out)
}

// SignUp registers a user. The credential is nil when the service requires
// email confirmation first.
func (a *GoTrueAPI) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*session.ProviderUser, *session.Credential, error) {
	var raw json.RawMessage
	body := map[string]any{"email": email, "password": password, "data": metadata}
	if err := a.do(ctx, http.MethodPost, "/signup", "", body, &raw); err != nil {
		return nil, nil, err
	}
	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, nil, fmt.Errorf("provider: decode signup: %w", err)
	}
	if tok.AccessToken != "" {
		cred, err := a.credential(tok)
		if err != nil {
			return nil, nil, err
		}
		user := cred.User
		return &user, cred, nil
	}
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("provider: decode signup: %w", err)
	}
	user := rec.providerUser()
	return &user, nil, nil
}

// Logout revokes the refresh tokens tied to accessToken.
func (a *GoTrueAPI) Logout(ctx context.Context, accessToken string) error {
	return a.do(ctx, http.MethodPost, "/logout", accessToken, nil, nil)
}

func (a *GoTrueAPI) credential(tok tokenResponse) (*session.Credential, error) {
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrInvalidToken)
	}
	expires, err := credentialExpiry(tok.AccessToken, tok.ExpiresAt, tok.ExpiresIn, a.secret, a.now())
	if err != nil {
		return nil, err
	}
	user := tok.User.providerUser()
	if user.ID == "" {
		claims, err := ParseAccessToken(tok.AccessToken, a.secret)
		if err != nil {
			return nil, err
		}
		user = session.ProviderUser{ID: claims.Subject, Email: claims.Email, Metadata: claims.UserMetadata}
	}
	return &session.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expires,
		User:         user,
	}, nil
}

func (a *GoTrueAPI) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}
	if bearer == "" {
		bearer = a.apiKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode response: %w", err)
	}
	return nil
}

// decodeError turns a 4xx into a CredentialError. Server errors and rate
// limiting say nothing about the credential and wrap ErrUnavailable.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload errorResponse
	_ = json.Unmarshal(data, &payload)
	message := firstNonEmpty(payload.ErrorDescription, payload.Msg, payload.Message, payload.Error)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %d %s", ErrUnavailable, resp.StatusCode, message)
	}
	return &CredentialError{Status: resp.StatusCode, Code: firstNonEmpty(payload.ErrorCode, payload.Error), Message: message}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
