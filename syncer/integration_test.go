package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/cast-tender/dreamcord"
	"github.com/onnwee/cast-tender/tavern"
	"github.com/onnwee/cast-tender/testutil"
)

// These tests run the engine against the real HTTP clients talking to a mock
// upstream, rather than in-process fakes.

func newMockedEngine(t *testing.T, srv *testutil.MockAPIServer) (*Engine, *fakeMapper) {
	t.Helper()
	m := &fakeMapper{}
	e := &Engine{
		Source:      &tavern.Client{BaseURL: srv.URL, APIKey: "test-key"},
		Registry:    &dreamcord.AdminClient{BaseURL: srv.URL, Username: "admin", Password: "secret"},
		Store:       m,
		SourceLabel: "sillytavern",
	}
	return e, m
}

func TestDryRunOverHTTPPerformsNoRegistryWrites(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.MockCharacterList([]map[string]any{
		{"name": "Aria", "description": "bold"},
	})
	srv.MockAdminLogin("sess-1")
	srv.MockAppList([]map[string]any{})

	e, m := newMockedEngine(t, srv)
	opts := DefaultOptions()
	opts.DryRun = true
	res, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Created) != 1 || !res.Created[0].Planned {
		t.Fatalf("created = %+v", res.Created)
	}
	for _, wr := range srv.Writes() {
		if strings.Contains(wr, "/admin/dev-portal/apps") {
			t.Errorf("dry run wrote to the registry: %s", wr)
		}
	}
	if m.saves != 0 {
		t.Errorf("dry run persisted the identity map")
	}
}

func TestCreateOverHTTP(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.MockCharacterList([]map[string]any{
		{"name": "Aria", "description": "bold", "avatar_url": "https://img.example/aria.png"},
	})
	srv.MockAdminLogin("sess-1")
	srv.Handlers["/admin/dev-portal/apps"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			var patch map[string]any
			_ = json.NewDecoder(r.Body).Decode(&patch)
			if patch["name"] != "Aria" || patch["avatar_url"] != "https://img.example/aria.png" {
				t.Errorf("create patch = %v", patch)
			}
			if _, ok := patch["owner_id"]; !ok {
				t.Error("create patch missing owner_id")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"app": map[string]any{"id": "app-9", "name": "Aria"}})
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}

	e, m := newMockedEngine(t, srv)
	res, err := e.Run(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0].AppID != "app-9" {
		t.Fatalf("created = %+v", res.Created)
	}
	if m.idMap["aria"] != "app-9" {
		t.Errorf("identity map = %v", m.idMap)
	}
}
