// Package dreamcord contains clients for the chat platform's admin portal
// (application registry CRUD behind a cookie session with optional 2FA) and
// its bot API (channels, messages, identity) authenticated per-character by
// bot token.
package dreamcord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// App is one row of the portal's application registry.
type App struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Bio         string `json:"bio"`
	StatusText  string `json:"status_text"`
	AvatarURL   string `json:"avatar_url"`
	BannerURL   string `json:"banner_url"`
	SourceLabel string `json:"profile_source_label"`
	RoomDefault string `json:"nomi_room_default"`
	HideRoom    bool   `json:"profile_hide_room"`
	IsActive    bool   `json:"is_active"`
}

// AdminClient drives the registry CRUD. Login may answer 202 with a 2FA
// challenge, completed with the configured code. An expired session (401/403)
// is recovered by re-authenticating and retrying exactly once.
type AdminClient struct {
	BaseURL       string
	Username      string
	Password      string
	TwoFactorCode string
	HTTPClient    *http.Client

	mu            sync.Mutex
	sessionCookie string
}

func (a *AdminClient) http() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

func (a *AdminClient) cookie() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionCookie
}

func (a *AdminClient) setCookie(v string) {
	a.mu.Lock()
	a.sessionCookie = v
	a.mu.Unlock()
}

func (a *AdminClient) request(ctx context.Context, method, path string, body []byte, withAuth bool) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if withAuth {
		if c := a.cookie(); c != "" {
			req.Header.Set("Cookie", c)
		}
	}
	return a.http().Do(req)
}

// ensureSession logs into the portal unless the cached session still answers
// the /auth/me probe.
func (a *AdminClient) ensureSession(ctx context.Context) error {
	if a.Username == "" || a.Password == "" {
		return fmt.Errorf("missing admin username/password")
	}
	if a.cookie() != "" {
		probe, err := a.request(ctx, http.MethodGet, "/auth/me", nil, true)
		if err == nil {
			_ = probe.Body.Close()
			if probe.StatusCode == http.StatusOK {
				return nil
			}
		}
		a.setCookie("")
	}

	payload, _ := json.Marshal(map[string]string{"username": a.Username, "password": a.Password})
	res, err := a.request(ctx, http.MethodPost, "/auth/login", payload, false)
	if err != nil {
		return fmt.Errorf("admin login: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusAccepted {
		var challenge struct {
			ChallengeID string `json:"challenge_id"`
		}
		_ = json.NewDecoder(res.Body).Decode(&challenge)
		if a.TwoFactorCode == "" {
			return fmt.Errorf("admin login requires 2FA but no code is configured")
		}
		if challenge.ChallengeID == "" {
			return fmt.Errorf("2FA challenge id missing from login response")
		}
		payload, _ := json.Marshal(map[string]string{"challenge_id": challenge.ChallengeID, "code": a.TwoFactorCode})
		tres, err := a.request(ctx, http.MethodPost, "/auth/login/2fa", payload, false)
		if err != nil {
			return fmt.Errorf("2fa login: %w", err)
		}
		defer tres.Body.Close()
		if tres.StatusCode < 200 || tres.StatusCode > 299 {
			txt, _ := io.ReadAll(io.LimitReader(tres.Body, 256))
			return fmt.Errorf("2fa login failed: %d %s", tres.StatusCode, strings.TrimSpace(string(txt)))
		}
		cookie := extractCookie(tres.Header.Values("Set-Cookie"), "sessionId")
		if cookie == "" {
			return fmt.Errorf("2fa login succeeded but no sessionId cookie returned")
		}
		a.setCookie(cookie)
		return nil
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		txt, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("admin login failed: %d %s", res.StatusCode, strings.TrimSpace(string(txt)))
	}
	cookie := extractCookie(res.Header.Values("Set-Cookie"), "sessionId")
	if cookie == "" {
		return fmt.Errorf("admin login succeeded but no sessionId cookie returned")
	}
	a.setCookie(cookie)
	return nil
}

// doJSON performs an authenticated registry call and decodes the response
// into out (which may be nil). 401/403 triggers one re-auth and retry.
func (a *AdminClient) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	if err := a.ensureSession(ctx); err != nil {
		return err
	}
	res, err := a.request(ctx, method, path, body, true)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		_ = res.Body.Close()
		a.setCookie("")
		if err := a.ensureSession(ctx); err != nil {
			return err
		}
		res, err = a.request(ctx, method, path, body, true)
		if err != nil {
			return err
		}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		txt, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("dreamcord admin %s %s failed: %d %s", method, path, res.StatusCode, strings.TrimSpace(string(txt)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("dreamcord admin %s %s: decode: %w", method, path, err)
	}
	return nil
}

// ListApps returns the full registry snapshot.
func (a *AdminClient) ListApps(ctx context.Context) ([]App, error) {
	var apps []App
	if err := a.doJSON(ctx, http.MethodGet, "/admin/dev-portal/apps", nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// CreateApp creates a registry row and returns it. The portal wraps the
// created row under an "app" key in some versions and returns it bare in
// others; both shapes are accepted.
func (a *AdminClient) CreateApp(ctx context.Context, patch map[string]any) (*App, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := a.doJSON(ctx, http.MethodPost, "/admin/dev-portal/apps", body, &raw); err != nil {
		return nil, err
	}
	var wrapped struct {
		App *App `json:"app"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.App != nil && wrapped.App.ID != "" {
		return wrapped.App, nil
	}
	var app App
	if err := json.Unmarshal(raw, &app); err != nil || app.ID == "" {
		return nil, fmt.Errorf("create app returned no id")
	}
	return &app, nil
}

// UpdateApp patches a registry row partially.
func (a *AdminClient) UpdateApp(ctx context.Context, id string, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return a.doJSON(ctx, http.MethodPatch, "/admin/dev-portal/apps/"+id, body, nil)
}

// extractCookie returns the name=value pair for cookieName from Set-Cookie
// headers, or the first cookie seen when the named one is absent.
func extractCookie(setCookies []string, cookieName string) string {
	first := ""
	prefix := strings.ToLower(cookieName) + "="
	for _, raw := range setCookies {
		part := strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
		if part == "" {
			continue
		}
		if first == "" {
			first = part
		}
		if strings.HasPrefix(strings.ToLower(part), prefix) {
			return part
		}
	}
	return first
}
