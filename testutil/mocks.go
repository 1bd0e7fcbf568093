package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockAPIServer is a path-keyed test server for mocking the SillyTavern and
// Dreamcord HTTP APIs. Handlers are registered per path; unknown paths 404.
// It counts mutating requests so tests can assert dry-run purity.
type MockAPIServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu     sync.Mutex
	writes []string
}

// NewMockAPIServer creates a new mock upstream server.
func NewMockAPIServer(t *testing.T) *MockAPIServer {
	t.Helper()
	m := &MockAPIServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			m.mu.Lock()
			m.writes = append(m.writes, r.Method+" "+r.URL.Path)
			m.mu.Unlock()
		}
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Writes returns every non-GET request seen, as "METHOD /path".
func (m *MockAPIServer) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// MockJSON registers a handler that answers every method on path with the
// given value.
func (m *MockAPIServer) MockJSON(path string, v any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
	}
}

// MockCharacterList registers the authoring tool's primary character probe.
func (m *MockAPIServer) MockCharacterList(characters []map[string]any) {
	m.MockJSON("/api/characters/all", characters)
}

// MockAdminLogin registers a session login that always succeeds with the
// given cookie.
func (m *MockAPIServer) MockAdminLogin(cookie string) {
	m.Handlers["/auth/login"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "sessionId="+cookie+"; Path=/; HttpOnly")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true}) //nolint:errcheck // test mock response
	}
}

// MockAppList registers the registry snapshot endpoint.
func (m *MockAPIServer) MockAppList(apps []map[string]any) {
	m.MockJSON("/admin/dev-portal/apps", apps)
}
