package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/onnwee/cast-tender/character"
)

// handlePresenceConnect stores presence_enabled plus the token and opens the
// socket. The token may come from the request body or the stored override.
func (h *Handlers) handlePresenceConnect(w http.ResponseWriter, r *http.Request, sourceID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		BotToken string `json:"bot_token"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	ctx := r.Context()
	current, err := h.store.Override(ctx, sourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	token := strings.TrimSpace(body.BotToken)
	if token == "" && current != nil {
		token = current.Token()
	}
	if token == "" {
		writeError(w, http.StatusBadRequest, "bot_token is required")
		return
	}

	on := true
	var next character.Override
	if current != nil {
		next = *current
	}
	next.BotToken = &token
	next.PresenceEnabled = &on
	if err := h.store.SaveOverride(ctx, sourceID, next); err != nil {
		writeError(w, http.StatusInternalServerError, "could not save override: "+err.Error())
		return
	}
	if err := h.presence.Connect(sourceID, token); err != nil {
		writeError(w, http.StatusBadGateway, "could not connect presence: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "source_id": sourceID,
		"presence": h.presence.State(sourceID), "override": next,
	})
}

// handlePresenceDisconnect clears presence_enabled and drops the socket.
func (h *Handlers) handlePresenceDisconnect(w http.ResponseWriter, r *http.Request, sourceID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	current, err := h.store.Override(ctx, sourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if current != nil {
		off := false
		next := *current
		next.PresenceEnabled = &off
		if err := h.store.SaveOverride(ctx, sourceID, next); err != nil {
			writeError(w, http.StatusInternalServerError, "could not save override: "+err.Error())
			return
		}
		current = &next
	}
	h.presence.Disconnect(sourceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "source_id": sourceID,
		"presence": h.presence.State(sourceID), "override": current,
	})
}

// HandlePresenceStatus lists every tracked presence record.
func (h *Handlers) HandlePresenceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	states := h.presence.States()
	rows := make([]map[string]any, 0, len(states))
	for sourceID, st := range states {
		rows = append(rows, map[string]any{
			"source_id":  sourceID,
			"desired":    st.Desired,
			"connected":  st.Connected,
			"status":     st.Status,
			"last_error": st.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rows": rows})
}

// HandleResponderStatus lists responder state for every override with the
// responder enabled.
func (h *Handlers) HandleResponderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	overrides, err := h.store.Overrides(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows := []map[string]any{}
	for sourceID, ov := range overrides {
		if !ov.ResponderOn() {
			continue
		}
		st := h.responder.State(sourceID)
		rows = append(rows, map[string]any{
			"source_id":  sourceID,
			"enabled":    true,
			"busy":       st.Busy,
			"last_error": st.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rows": rows})
}
