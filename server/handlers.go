// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/config"
	"github.com/onnwee/cast-tender/dreamcord"
	"github.com/onnwee/cast-tender/presence"
	"github.com/onnwee/cast-tender/responder"
	"github.com/onnwee/cast-tender/store"
	"github.com/onnwee/cast-tender/syncer"
)

// Storage is the override/mapping persistence the handlers need.
type Storage interface {
	IdentityMap(ctx context.Context) (map[string]string, error)
	Overrides(ctx context.Context) (map[string]character.Override, error)
	Override(ctx context.Context, sourceID string) (*character.Override, error)
	SaveOverride(ctx context.Context, sourceID string, o character.Override) error
	DeleteOverride(ctx context.Context, sourceID string) error
	RecentSyncRuns(ctx context.Context, limit int) ([]store.SyncRun, error)
}

// SyncRunner runs one reconciliation pass.
type SyncRunner interface {
	Run(ctx context.Context, opts syncer.Options) (*syncer.Result, error)
}

// PresenceController is the slice of the presence manager the API drives.
type PresenceController interface {
	Connect(sourceID, token string) error
	Disconnect(sourceID string)
	State(sourceID string) presence.State
	States() map[string]presence.State
}

// ResponderStatus exposes responder records to the API.
type ResponderStatus interface {
	State(sourceID string) responder.State
	Forget(sourceID string)
}

// CharacterLister fetches raw source characters for the preview endpoint.
type CharacterLister interface {
	FetchCharacters(ctx context.Context) ([]map[string]any, error)
}

// AppLister fetches the registry snapshot for the preview endpoint.
type AppLister interface {
	ListApps(ctx context.Context) ([]dreamcord.App, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg       *config.Config
	db        *sql.DB
	store     Storage
	syncer    SyncRunner
	presence  PresenceController
	responder ResponderStatus
	tavern    CharacterLister
	registry  AppLister
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(cfg *config.Config, db *sql.DB, st Storage, sync SyncRunner, pm PresenceController, rl ResponderStatus, tavern CharacterLister, registry AppLister) *Handlers {
	return &Handlers{
		cfg:       cfg,
		db:        db,
		store:     st,
		syncer:    sync,
		presence:  pm,
		responder: rl,
		tavern:    tavern,
		registry:  registry,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the uniform failure envelope every endpoint uses.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
