package dreamcord

import (
	"net/url"
	"strings"
)

// ResolveSocketURL returns the websocket endpoint for presence connections.
// An explicit URL wins; otherwise it is derived from the portal base URL
// (http->ws, https->wss). The dev server serves HTTP on :3000 and the
// socket on :3001, so that port is special-cased.
func ResolveSocketURL(baseURL, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	if u.Port() == "3000" {
		return scheme + "://" + u.Hostname() + ":3001/ws"
	}
	return scheme + "://" + u.Host + "/ws"
}
