package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"validation", Invalid("path query parameter is required"), http.StatusBadRequest, "path query parameter is required"},
		{"wrapped not found", fmt.Errorf("portal: %w", NotFound("path %q is outside the portal", "/finance")), http.StatusNotFound, `path "/finance" is outside the portal`},
		{"unavailable hides cause", Unavailable("job queue", errors.New("dial tcp 10.0.0.3:6379: refused")), http.StatusServiceUnavailable, "job queue is unavailable"},
		{"bare sentinel", ErrValidation, http.StatusBadRequest, ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondError(rec, tc.err)

			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body ProblemDetail
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body.Status)
			assert.Equal(t, tc.detail, body.Detail)
		})
	}
}

func TestUnavailableKeepsCauseInChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("job queue", cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}
