package server

import "net/http"

// HandleConfig reports the non-secret bridge configuration so operators can
// see what the daemon is pointed at. Credentials never appear here.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                        true,
		"configured":                h.cfg.Configured(),
		"dreamcord_base_url":        orNil(h.cfg.DreamcordBaseURL),
		"sillytavern_base_url":      orNil(h.cfg.TavernBaseURL),
		"source_label":              h.cfg.SourceLabel,
		"default_target_channel_id": orNil(h.cfg.DefaultTargetChannelID),
		"local_llm_configured":      h.cfg.LocalLLMURL != "",
		"responder_poll_interval":   h.cfg.ResponderPollInterval.String(),
		"presence_reconnect_delay":  h.cfg.PresenceReconnectDelay.String(),
	})
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
