package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/onnwee/cast-tender/character"
)

// HandleMappings returns the persisted identity map.
func (h *Handlers) HandleMappings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, err := h.store.IdentityMap(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read mappings: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mappings": m})
}

// previewRow joins one source character with its override, registry mapping,
// and live presence/responder status.
type previewRow struct {
	SourceID      string              `json:"source_id"`
	Character     character.Character `json:"character"`
	Override      *character.Override `json:"override"`
	MappedAppID   string              `json:"mapped_app_id,omitempty"`
	MappedAppName string              `json:"mapped_app_name,omitempty"`
	MappedActive  bool                `json:"mapped_active"`
	Presence      any                 `json:"presence"`
	Responder     any                 `json:"responder"`
}

// HandleCharactersPreview builds the merged per-character view the UI renders.
func (h *Handlers) HandleCharactersPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.cfg.Configured() {
		writeError(w, http.StatusBadRequest, "bridge not configured, fill env vars first")
		return
	}
	ctx := r.Context()
	raw, err := h.tavern.FetchCharacters(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not fetch characters: "+err.Error())
		return
	}
	idMap, err := h.store.IdentityMap(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	overrides, err := h.store.Overrides(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	apps, err := h.registry.ListApps(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not list registry apps: "+err.Error())
		return
	}
	byID := map[string]int{}
	byName := map[string]int{}
	for i, a := range apps {
		byID[a.ID] = i
		byName[strings.ToLower(a.Name)] = i
	}

	rows := []previewRow{}
	for _, rec := range raw {
		c, ok := character.Normalize(rec)
		if !ok {
			continue
		}
		var ovPtr *character.Override
		if ov, has := overrides[c.SourceID]; has {
			ovCopy := ov
			ovPtr = &ovCopy
		}
		merged := character.Apply(c, ovPtr)

		row := previewRow{
			SourceID:  c.SourceID,
			Character: merged,
			Override:  ovPtr,
			Presence:  h.presence.State(c.SourceID),
			Responder: h.responder.State(c.SourceID),
		}
		idx, found := -1, false
		if mapped := idMap[c.SourceID]; mapped != "" {
			if i, ok := byID[mapped]; ok {
				idx, found = i, true
			} else {
				row.MappedAppID = mapped
			}
		} else if i, ok := byName[strings.ToLower(merged.Name)]; ok {
			idx, found = i, true
		}
		if found {
			row.MappedAppID = apps[idx].ID
			row.MappedAppName = apps[idx].Name
			row.MappedActive = apps[idx].IsActive
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "total": len(rows), "rows": rows})
}

// HandleCharactersDispatcher routes /characters/{sourceId}/override and
// /characters/{sourceId}/presence/{connect|disconnect}.
func (h *Handlers) HandleCharactersDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/characters/")
	parts := strings.Split(rest, "/")
	sourceID := strings.TrimSpace(parts[0])
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "source id is required")
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "override":
		switch r.Method {
		case http.MethodPut:
			h.handleOverridePut(w, r, sourceID)
		case http.MethodDelete:
			h.handleOverrideDelete(w, r, sourceID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case len(parts) == 3 && parts[1] == "presence" && parts[2] == "connect":
		h.handlePresenceConnect(w, r, sourceID)
	case len(parts) == 3 && parts[1] == "presence" && parts[2] == "disconnect":
		h.handlePresenceDisconnect(w, r, sourceID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleOverridePut merges a sanitized patch into the stored override. The
// store compacts the result and drops it entirely when nothing is left;
// presence and responder follow the saved flags.
func (h *Handlers) handleOverridePut(w http.ResponseWriter, r *http.Request, sourceID string) {
	var patch character.Override
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	patch.Sanitize()

	ctx := r.Context()
	current, err := h.store.Override(ctx, sourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var next character.Override
	if current != nil {
		next = current.Merge(patch)
	} else {
		next = patch
	}
	if err := h.store.SaveOverride(ctx, sourceID, next); err != nil {
		writeError(w, http.StatusInternalServerError, "could not save override: "+err.Error())
		return
	}
	saved, err := h.store.Override(ctx, sourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if saved != nil && saved.PresenceOn() && saved.Token() != "" {
		if err := h.presence.Connect(sourceID, saved.Token()); err != nil {
			// Captured in the presence record, not fatal to the save.
			writeJSON(w, http.StatusOK, map[string]any{
				"ok": true, "source_id": sourceID, "override": saved,
				"presence": h.presence.State(sourceID), "responder": h.responder.State(sourceID),
				"presence_error": err.Error(),
			})
			return
		}
	} else {
		h.presence.Disconnect(sourceID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "source_id": sourceID, "override": saved,
		"presence": h.presence.State(sourceID), "responder": h.responder.State(sourceID),
	})
}

func (h *Handlers) handleOverrideDelete(w http.ResponseWriter, r *http.Request, sourceID string) {
	if err := h.store.DeleteOverride(r.Context(), sourceID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not clear override: "+err.Error())
		return
	}
	h.presence.Disconnect(sourceID)
	h.responder.Forget(sourceID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "source_id": sourceID})
}
