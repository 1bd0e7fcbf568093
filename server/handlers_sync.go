package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/onnwee/cast-tender/syncer"
)

// HandleSyncCharacters runs one reconciliation pass. Absent booleans fall
// back to the defaults: create and update on, dry-run and disable off.
func (h *Handlers) HandleSyncCharacters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.cfg.ValidateBridgeReady(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		DryRun          *bool  `json:"dry_run"`
		CreateMissing   *bool  `json:"create_missing"`
		UpdateExisting  *bool  `json:"update_existing"`
		DisableMissing  *bool  `json:"disable_missing"`
		TargetChannelID string `json:"target_channel_id"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}
	}

	opts := syncer.DefaultOptions()
	if body.DryRun != nil {
		opts.DryRun = *body.DryRun
	}
	if body.CreateMissing != nil {
		opts.CreateMissing = *body.CreateMissing
	}
	if body.UpdateExisting != nil {
		opts.UpdateExisting = *body.UpdateExisting
	}
	if body.DisableMissing != nil {
		opts.DisableMissing = *body.DisableMissing
	}
	opts.TargetChannelID = body.TargetChannelID

	result, err := h.syncer.Run(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSyncHistory returns recent audit rows, newest first.
func (h *Handlers) HandleSyncHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := h.store.RecentSyncRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read sync history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runs": runs})
}
