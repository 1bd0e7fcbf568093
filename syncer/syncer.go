// Package syncer reconciles the SillyTavern character list against the
// Dreamcord application registry: create missing apps, patch drifted ones,
// optionally disable apps whose source character disappeared. A dry run
// classifies every intended action without mutating anything.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/dreamcord"
	"github.com/onnwee/cast-tender/store"
	"github.com/onnwee/cast-tender/telemetry"
)

// Source lists raw character records from the authoring tool.
type Source interface {
	FetchCharacters(ctx context.Context) ([]map[string]any, error)
}

// Registry is the admin view of the application registry.
type Registry interface {
	ListApps(ctx context.Context) ([]dreamcord.App, error)
	CreateApp(ctx context.Context, patch map[string]any) (*dreamcord.App, error)
	UpdateApp(ctx context.Context, id string, patch map[string]any) error
}

// Mapper persists the identity map and overrides between runs.
type Mapper interface {
	IdentityMap(ctx context.Context) (map[string]string, error)
	SaveIdentityMap(ctx context.Context, m map[string]string) error
	Overrides(ctx context.Context) (map[string]character.Override, error)
	RecordSyncRun(ctx context.Context, r store.SyncRun) error
}

// Poster posts a summary line to a channel and returns the message id.
type Poster interface {
	Post(ctx context.Context, channelID, content string) (string, error)
}

// BotPoster adapts the bot client to Poster using a fixed token.
type BotPoster struct {
	Client *dreamcord.BotClient
	Token  string
}

func (p BotPoster) Post(ctx context.Context, channelID, content string) (string, error) {
	return p.Client.PostMessage(ctx, p.Token, channelID, content, true)
}

// Options control a single run. The HTTP layer maps absent request fields
// to the defaults (create and update on, disable off).
type Options struct {
	DryRun          bool
	CreateMissing   bool
	UpdateExisting  bool
	DisableMissing  bool
	TargetChannelID string
}

// DefaultOptions returns the baseline every caller starts from.
func DefaultOptions() Options {
	return Options{CreateMissing: true, UpdateExisting: true}
}

// Entry describes one character's outcome within a run.
type Entry struct {
	SourceID       string `json:"source_id"`
	AppID          string `json:"app_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Planned        bool   `json:"planned,omitempty"`
	PlannedDisable bool   `json:"planned_disable,omitempty"`
	Disabled       bool   `json:"disabled,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Result is returned to the caller and summarized into the audit table. It
// is never persisted wholesale.
type Result struct {
	OK              bool    `json:"ok"`
	DryRun          bool    `json:"dry_run"`
	Total           int     `json:"total"`
	Created         []Entry `json:"created"`
	Updated         []Entry `json:"updated"`
	Unchanged       []Entry `json:"unchanged"`
	MissingInSource []Entry `json:"missing_in_source"`
	Errors          []Entry `json:"errors"`
	PostedMessageID string  `json:"posted_message_id,omitempty"`
}

// Engine wires the collaborators for a sync run. Runs are not internally
// serialized; concurrent runs against the same identity map are
// last-writer-wins and callers must serialize them externally.
type Engine struct {
	Source      Source
	Registry    Registry
	Store       Mapper
	Poster      Poster
	SourceLabel string
	// DefaultChannelID receives the summary when Options leaves the
	// target channel empty.
	DefaultChannelID string
}

// Run executes one reconciliation pass.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	if e.Source == nil || e.Registry == nil || e.Store == nil {
		return nil, fmt.Errorf("sync engine not configured")
	}
	started := time.Now()
	telemetry.Inc(telemetry.SyncRuns)

	raw, err := e.Source.FetchCharacters(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch source characters: %w", err)
	}
	overrides, err := e.Store.Overrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	sourceChars := e.prepare(raw, overrides)

	idMap, err := e.Store.IdentityMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity map: %w", err)
	}
	apps, err := e.Registry.ListApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registry apps: %w", err)
	}
	byID := make(map[string]*dreamcord.App, len(apps))
	byName := make(map[string]*dreamcord.App, len(apps))
	for i := range apps {
		byID[apps[i].ID] = &apps[i]
		byName[strings.ToLower(apps[i].Name)] = &apps[i]
	}

	res := &Result{
		OK:              true,
		DryRun:          opts.DryRun,
		Total:           len(sourceChars),
		Created:         []Entry{},
		Updated:         []Entry{},
		Unchanged:       []Entry{},
		MissingInSource: []Entry{},
		Errors:          []Entry{},
	}

	for _, ch := range sourceChars {
		if err := e.reconcileOne(ctx, ch, opts, idMap, byID, byName, res); err != nil {
			telemetry.Inc(telemetry.SyncErrors)
			res.Errors = append(res.Errors, Entry{SourceID: ch.SourceID, Name: ch.Name, Error: err.Error()})
		}
	}

	if opts.DisableMissing {
		e.disableMissing(ctx, sourceChars, opts.DryRun, idMap, byID, res)
	}

	if !opts.DryRun {
		if err := e.Store.SaveIdentityMap(ctx, idMap); err != nil {
			return nil, fmt.Errorf("save identity map: %w", err)
		}
		summary := Summary(res)
		run := store.SyncRun{
			StartedAt:  started,
			FinishedAt: time.Now(),
			Summary:    summary,
			Total:      res.Total,
			Created:    len(res.Created),
			Updated:    len(res.Updated),
			Unchanged:  len(res.Unchanged),
			Missing:    len(res.MissingInSource),
			Errors:     len(res.Errors),
			DryRun:     false,
		}
		if err := e.Store.RecordSyncRun(ctx, run); err != nil {
			slog.Warn("record sync run failed", "error", err)
		}
		channelID := strings.TrimSpace(opts.TargetChannelID)
		if channelID == "" {
			channelID = e.DefaultChannelID
		}
		if channelID != "" && e.Poster != nil {
			id, err := e.Poster.Post(ctx, channelID, summary)
			if err != nil {
				slog.Warn("post sync summary failed", "channel", channelID, "error", err)
			} else {
				res.PostedMessageID = id
			}
		}
	}

	if telemetry.SyncDuration != nil {
		telemetry.SyncDuration.Observe(time.Since(started).Seconds())
	}
	slog.Info("character sync finished",
		"dry_run", opts.DryRun,
		"total", res.Total,
		"created", len(res.Created),
		"updated", len(res.Updated),
		"unchanged", len(res.Unchanged),
		"missing", len(res.MissingInSource),
		"errors", len(res.Errors),
		"duration", time.Since(started).Round(time.Millisecond))
	return res, nil
}

// prepare normalizes the raw records, applies overrides and drops later
// duplicates of the same source id.
func (e *Engine) prepare(raw []map[string]any, overrides map[string]character.Override) []character.Character {
	out := make([]character.Character, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		c, ok := character.Normalize(r)
		if !ok {
			continue
		}
		if o, has := overrides[c.SourceID]; has {
			c = character.Apply(c, &o)
		}
		if seen[c.SourceID] {
			continue
		}
		seen[c.SourceID] = true
		out = append(out, c)
	}
	return out
}

func (e *Engine) reconcileOne(ctx context.Context, ch character.Character, opts Options, idMap map[string]string, byID, byName map[string]*dreamcord.App, res *Result) error {
	var row *dreamcord.App
	if mapped := strings.TrimSpace(idMap[ch.SourceID]); mapped != "" {
		row = byID[mapped]
	}
	if row == nil {
		row = byName[strings.ToLower(ch.Name)]
	}

	if row == nil {
		if !opts.CreateMissing {
			res.Unchanged = append(res.Unchanged, Entry{SourceID: ch.SourceID, Name: ch.Name, Reason: "create_missing=false"})
			return nil
		}
		if opts.DryRun {
			res.Created = append(res.Created, Entry{SourceID: ch.SourceID, Name: ch.Name, Planned: true})
			return nil
		}
		patch := e.toAppPatch(ch)
		patch["owner_id"] = nil
		created, err := e.Registry.CreateApp(ctx, patch)
		if err != nil {
			return fmt.Errorf("create app %q: %w", ch.Name, err)
		}
		idMap[ch.SourceID] = created.ID
		byID[created.ID] = created
		byName[strings.ToLower(ch.Name)] = created
		telemetry.Inc(telemetry.CharactersCreated)
		res.Created = append(res.Created, Entry{SourceID: ch.SourceID, AppID: created.ID, Name: ch.Name})
		return nil
	}

	// Self-healing: a name match re-binds the identity map to the row.
	idMap[ch.SourceID] = row.ID
	if !opts.UpdateExisting {
		res.Unchanged = append(res.Unchanged, Entry{SourceID: ch.SourceID, AppID: row.ID, Name: ch.Name, Reason: "update_existing=false"})
		return nil
	}

	patch := e.toAppPatch(ch)
	if !appDiffers(row, patch) {
		res.Unchanged = append(res.Unchanged, Entry{SourceID: ch.SourceID, AppID: row.ID, Name: ch.Name, Reason: "no_changes"})
		return nil
	}
	if opts.DryRun {
		res.Updated = append(res.Updated, Entry{SourceID: ch.SourceID, AppID: row.ID, Name: ch.Name, Planned: true})
		return nil
	}
	if err := e.Registry.UpdateApp(ctx, row.ID, patch); err != nil {
		return fmt.Errorf("update app %q: %w", ch.Name, err)
	}
	applyPatch(row, patch)
	telemetry.Inc(telemetry.CharactersUpdated)
	res.Updated = append(res.Updated, Entry{SourceID: ch.SourceID, AppID: row.ID, Name: ch.Name})
	return nil
}

// disableMissing patches inactive every mapped app whose source character is
// gone. A failure to patch one entry is recorded and does not stop the pass.
func (e *Engine) disableMissing(ctx context.Context, sourceChars []character.Character, dryRun bool, idMap map[string]string, byID map[string]*dreamcord.App, res *Result) {
	present := make(map[string]bool, len(sourceChars))
	for _, c := range sourceChars {
		present[c.SourceID] = true
	}
	for sourceID, appID := range idMap {
		if present[sourceID] {
			continue
		}
		row := byID[appID]
		if row == nil {
			continue
		}
		if dryRun {
			res.MissingInSource = append(res.MissingInSource, Entry{SourceID: sourceID, AppID: appID, Name: row.Name, PlannedDisable: true})
			continue
		}
		if err := e.Registry.UpdateApp(ctx, appID, map[string]any{"is_active": false}); err != nil {
			telemetry.Inc(telemetry.SyncErrors)
			res.Errors = append(res.Errors, Entry{SourceID: sourceID, AppID: appID, Name: row.Name, Error: err.Error()})
			continue
		}
		res.MissingInSource = append(res.MissingInSource, Entry{SourceID: sourceID, AppID: appID, Name: row.Name, Disabled: true})
	}
}

// toAppPatch maps a character onto the registry's application fields. Empty
// image URLs are sent as null so the registry clears them.
func (e *Engine) toAppPatch(ch character.Character) map[string]any {
	description := ch.Description
	if description == "" {
		description = "Imported from " + e.SourceLabel
	}
	status := ch.StatusText
	if status == "" {
		status = character.DefaultStatusText
	}
	patch := map[string]any{
		"name":                 ch.Name,
		"description":          description,
		"bio":                  ch.Bio,
		"status_text":          status,
		"avatar_url":           nullable(ch.AvatarURL),
		"banner_url":           nullable(ch.BannerURL),
		"profile_source_label": e.SourceLabel,
		"profile_hide_room":    false,
		"nomi_room_default":    nullable(ch.RoomID),
	}
	return patch
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func appDiffers(row *dreamcord.App, patch map[string]any) bool {
	return row.Name != patchStr(patch, "name") ||
		row.Description != patchStr(patch, "description") ||
		row.Bio != patchStr(patch, "bio") ||
		row.StatusText != patchStr(patch, "status_text") ||
		row.AvatarURL != patchStr(patch, "avatar_url") ||
		row.BannerURL != patchStr(patch, "banner_url") ||
		row.SourceLabel != patchStr(patch, "profile_source_label") ||
		row.HideRoom != patch["profile_hide_room"].(bool) ||
		row.RoomDefault != patchStr(patch, "nomi_room_default")
}

func patchStr(patch map[string]any, key string) string {
	if s, ok := patch[key].(string); ok {
		return s
	}
	return ""
}

// applyPatch keeps the in-memory snapshot current so a later character in
// the same run diffs against what was just written.
func applyPatch(row *dreamcord.App, patch map[string]any) {
	row.Name = patchStr(patch, "name")
	row.Description = patchStr(patch, "description")
	row.Bio = patchStr(patch, "bio")
	row.StatusText = patchStr(patch, "status_text")
	row.AvatarURL = patchStr(patch, "avatar_url")
	row.BannerURL = patchStr(patch, "banner_url")
	row.SourceLabel = patchStr(patch, "profile_source_label")
	row.HideRoom = patch["profile_hide_room"].(bool)
	row.RoomDefault = patchStr(patch, "nomi_room_default")
}

// Summary renders the one-line digest posted to the target channel.
func Summary(res *Result) string {
	return fmt.Sprintf("[SillyTavern Sync] total=%d | created=%d | updated=%d | unchanged=%d | missing=%d",
		res.Total, len(res.Created), len(res.Updated), len(res.Unchanged), len(res.MissingInSource))
}
