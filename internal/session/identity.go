package session

import (
	"strings"
	"time"

	"github.com/unicore-erp/unicore/internal/rbac"
)

// ProviderUser is the account record returned by the credential provider.
type ProviderUser struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// Credential is the provider session backing an Identity.
type Credential struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         ProviderUser `json:"user"`
}

// Expired reports whether the credential has passed its expiry. A zero
// expiry never expires.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c *Credential) clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.User.Metadata != nil {
		out.User.Metadata = make(map[string]any, len(c.User.Metadata))
		for k, v := range c.User.Metadata {
			out.User.Metadata[k] = v
		}
	}
	return &out
}

// Profile is the portal-side record keyed by the provider user id.
type Profile struct {
	ID         string      `json:"id"`
	Email      string      `json:"email"`
	FullName   string      `json:"full_name"`
	Role       rbac.Role   `json:"role"`
	Status     rbac.Status `json:"status"`
	EmployeeID string      `json:"employee_id,omitempty"`
	StudentID  string      `json:"student_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Identity is the authenticated principal served to the rest of the portal.
// An empty Role or Status means the profile did not provide one.
type Identity struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Role        rbac.Role   `json:"role,omitempty"`
	Status      rbac.Status `json:"status,omitempty"`
	EmployeeID  string      `json:"employee_id,omitempty"`
	StudentID   string      `json:"student_id,omitempty"`
}

// BareIdentity builds an identity from provider fields only.
func BareIdentity(u ProviderUser) Identity {
	return Identity{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: displayName(u),
	}
}

// MergeIdentity overlays profile fields on the provider identity.
func MergeIdentity(u ProviderUser, p Profile) Identity {
	id := BareIdentity(u)
	if email := strings.TrimSpace(p.Email); email != "" {
		id.Email = email
	}
	if name := strings.TrimSpace(p.FullName); name != "" {
		id.DisplayName = name
	}
	if p.Role.Valid() {
		id.Role = p.Role
	}
	if _, ok := rbac.ParseStatus(string(p.Status)); ok {
		id.Status = p.Status
	}
	id.EmployeeID = p.EmployeeID
	id.StudentID = p.StudentID
	return id
}

func displayName(u ProviderUser) string {
	for _, key := range []string{"full_name", "name"} {
		if v, ok := u.Metadata[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return u.Email
}
