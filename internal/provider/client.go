package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unicore-erp/unicore/internal/session"
)

// Service binds an API, a TokenStore and a Bus. ForScope hands out
// per-scope clients sharing them.
type Service struct {
	api     API
	tokens  TokenStore
	bus     Bus
	logger  *slog.Logger
	now     func() time.Time
	refresh singleflight.Group
}

// NewService builds a Service.
func NewService(api API, tokens TokenStore, bus Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = NewLocalBus()
	}
	return &Service{api: api, tokens: tokens, bus: bus, logger: logger, now: time.Now}
}

// ForScope returns the credential provider of one browser scope.
func (s *Service) ForScope(scope string) *Client {
	return &Client{svc: s, scope: scope}
}

// Client is the session.CredentialProvider of one browser scope.
type Client struct {
	svc   *Service
	scope string
}

var _ session.CredentialProvider = (*Client)(nil)

// Scope returns the scope id.
func (c *Client) Scope() string {
	return c.scope
}

// CurrentSession returns the stored credential, refreshing it once it has
// expired. A rejected refresh clears the credential.
func (c *Client) CurrentSession(ctx context.Context) (*session.Credential, error) {
	cred, err := c.svc.tokens.Load(ctx, c.scope)
	if err != nil || cred == nil {
		return nil, err
	}
	if !cred.Expired(c.svc.now()) {
		return cred, nil
	}
	v, err, _ := c.svc.refresh.Do(c.scope, func() (any, error) {
		return c.renew(ctx, cred)
	})
	if err != nil {
		return nil, err
	}
	fresh, _ := v.(*session.Credential)
	return fresh, nil
}

func (c *Client) renew(ctx context.Context, cred *session.Credential) (*session.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, c.svc.tokens.Clear(ctx, c.scope)
	}
	fresh, err := c.svc.api.RefreshGrant(ctx, cred.RefreshToken)
	if err != nil {
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			c.svc.logger.Info("auth refresh rejected", slog.String("scope", c.scope), slog.String("code", credErr.Code))
			return nil, c.svc.tokens.Clear(ctx, c.scope)
		}
		c.svc.logger.Warn("auth refresh failed", slog.String("scope", c.scope), slog.Any("error", err))
		return nil, fmt.Errorf("provider: refresh: %w", err)
	}
	if err := c.svc.tokens.Save(ctx, c.scope, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// SignInWithPassword stores the credential and announces the sign-in.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.Credential, error) {
	cred, err := c.svc.api.PasswordGrant(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := c.establish(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// SignInWithMagicLink asks the service to email a sign-in link.
func (c *Client) SignInWithMagicLink(ctx context.Context, email, redirectTo string) error {
	return c.svc.api.SendMagicLink(ctx, email, redirectTo)
}

// CompleteMagicLink redeems a link and signs the scope in.
func (c *Client) CompleteMagicLink(ctx context.Context, tokenHash string) (*session.Credential, error) {
	cred, err := c.svc.api.VerifyMagicLink(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if err := c.establish(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// SignUp registers an account. When the service signs the account in right
// away the scope is signed in as well.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*session.ProviderUser, error) {
	user, cred, err := c.svc.api.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		if err := c.establish(ctx, cred); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// SignOut revokes the remote session, forgets the credential and announces
// the sign-out. A failed remote revoke is logged only.
func (c *Client) SignOut(ctx context.Context) error {
	cred, err := c.svc.tokens.Load(ctx, c.scope)
	if err != nil {
		return err
	}
	if cred != nil && cred.AccessToken != "" {
		if err := c.svc.api.Logout(ctx, cred.AccessToken); err != nil {
			c.svc.logger.Warn("auth remote logout", slog.String("scope", c.scope), slog.Any("error", err))
		}
	}
	if err := c.svc.tokens.Clear(ctx, c.scope); err != nil {
		return err
	}
	return c.svc.bus.Publish(ctx, c.scope, Message{Kind: session.EventSignedOut})
}

// Subscribe forwards bus messages for the scope as session events, loading
// the stored credential for sign-ins.
func (c *Client) Subscribe(fn func(session.Event)) func() {
	return c.svc.bus.Subscribe(c.scope, func(msg Message) {
		switch msg.Kind {
		case session.EventSignedIn:
			cred, err := c.svc.tokens.Load(context.Background(), c.scope)
			if err != nil {
				c.svc.logger.Warn("auth event credential", slog.String("scope", c.scope), slog.Any("error", err))
				return
			}
			if cred == nil {
				c.svc.logger.Debug("auth event without stored credential", slog.String("scope", c.scope))
				return
			}
			fn(session.Event{Kind: session.EventSignedIn, Session: cred})
		case session.EventSignedOut:
			fn(session.Event{Kind: session.EventSignedOut})
		default:
			c.svc.logger.Warn("auth event unknown", slog.String("scope", c.scope), slog.String("event", string(msg.Kind)))
		}
	})
}

func (c *Client) establish(ctx context.Context, cred *session.Credential) error {
	if err := c.svc.tokens.Save(ctx, c.scope, cred); err != nil {
		return err
	}
	return c.svc.bus.Publish(ctx, c.scope, Message{Kind: session.EventSignedIn, UserID: cred.User.ID})
}
