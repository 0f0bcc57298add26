package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := UserFromContext(r.Context())
		if IsAdmin(r.Context()) {
			u += "+admin"
		}
		_, _ = w.Write([]byte(u))
	})
}

func TestViewerAuth(t *testing.T) {
	keys := map[string]string{"alice": "k-alice", "root": "k-root"}

	tests := []struct {
		name      string
		anonymous bool
		path      string
		header    string
		code      int
		body      string
	}{
		{name: "bearer key", header: "Bearer k-alice", code: 200, body: "alice"},
		{name: "bare key", header: "k-alice", code: 200, body: "alice"},
		{name: "admin", header: "Bearer k-root", code: 200, body: "root+admin"},
		{name: "unknown key", header: "Bearer nope", anonymous: true, code: 401},
		{name: "empty bearer", header: "Bearer ", code: 401},
		{name: "missing header rejected", code: 401},
		{name: "missing header anonymous", anonymous: true, code: 200, body: ""},
		{name: "health skips auth", path: "/health", code: 200, body: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if path == "" {
				path = "/v1/audits/x"
			}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ViewerAuth(keys, []string{"root"}, tt.anonymous)(echoUser()).ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			if tt.code == 200 {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := ViewerAuth(map[string]string{"alice": "a", "root": "r"}, []string{"root"}, false)(RequireAdmin(echoUser()))

	req := httptest.NewRequest(http.MethodPost, "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("Authorization", "Bearer r")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
