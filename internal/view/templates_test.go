package view

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicore-erp/unicore/internal/navigation"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/shared"
)

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine()
	assert.NoError(t, err, "Templates should parse without error")
	assert.NotNil(t, engine)
}

func TestRenderAnonymousChrome(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	err = engine.RenderStatus(rec, http.StatusForbidden, "pages/unauthorized.html", TemplateData{
		Title:       "Access denied",
		CurrentPath: "/auth/login",
		Flash:       &shared.FlashMessage{Kind: "info", Message: "Signed out"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "<title>Access denied · Unicore</title>")
	assert.Contains(t, body, `href="/auth/login" class="active"`)
	assert.Contains(t, body, "Signed out")
	assert.NotContains(t, body, "/auth/logout")
}

func TestRenderSignedInChrome(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)
	catalog := navigation.Default()
	finance, ok := catalog.Module(navigation.ModuleFinance)
	require.True(t, ok)

	rec := httptest.NewRecorder()
	err = engine.Render(rec, "pages/unauthorized.html", TemplateData{
		Identity: &session.Identity{ID: "u-1", DisplayName: "Ada", Role: rbac.RoleFinanceOfficer},
		Modules:  []navigation.Module{finance},
		Nav:      navigation.State{ActiveModule: navigation.ModuleFinance},
	})
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, "Ada · Finance Officer")
	assert.Contains(t, body, `href="`+finance.Path+`" class="active"`)
	assert.Contains(t, body, `action="/auth/logout"`)
}

func TestRenderUnknownTemplateWritesNothing(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	err = engine.Render(rec, "pages/missing.html", TemplateData{})
	require.Error(t, err)
	assert.Zero(t, rec.Body.Len())
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestTemplateFuncsOverrideDefaults(t *testing.T) {
	engine, err := NewEngine(map[string]any{
		"can": func(*session.Identity, string, string) bool { return true },
	})
	require.NoError(t, err)
	catalog := navigation.Default()
	academic, ok := catalog.Module(navigation.ModuleAcademic)
	require.True(t, ok)

	rec := httptest.NewRecorder()
	err = engine.Render(rec, "pages/module.html", TemplateData{
		Identity: &session.Identity{ID: "u-1", DisplayName: "Ada"},
		Data: struct {
			Module   navigation.Module
			Sections []navigation.Section
		}{Module: academic, Sections: academic.Sections},
	})
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), "New record")
}

func TestPagePopsFlashAndMintsToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	sess, err := shared.NewSessionManager(nil, "test_session", "test-secret", time.Hour, false).Load(req.Context(), req)
	require.NoError(t, err)
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Saved"})
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	data := Page(req, shared.NewCSRFManager("secret"), "Dashboard")

	assert.Equal(t, "Dashboard", data.Title)
	assert.Equal(t, "/dashboard", data.CurrentPath)
	require.NotNil(t, data.Flash)
	assert.Equal(t, "Saved", data.Flash.Message)
	assert.NotEmpty(t, data.CSRFToken)
	assert.Nil(t, data.Identity)
	assert.Nil(t, sess.PopFlash())
}
