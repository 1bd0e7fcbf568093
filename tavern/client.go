// Package tavern is a client for the SillyTavern-side HTTP API: cookie/CSRF
// session handling, character listing, and the chat-completion generation
// proxy. Either an API key or a username/password session authenticates
// requests; session loss is recovered by re-authenticating and retrying once.
package tavern

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

// Client talks to one SillyTavern instance. The zero HTTPClient falls back
// to http.DefaultClient so tests can inject their own transport.
type Client struct {
	BaseURL       string
	APIKey        string
	Username      string
	Password      string
	CharactersURL string // explicit listing URL; skips endpoint probing when set
	HTTPClient    *http.Client

	mu            sync.Mutex
	sessionCookie string
	csrfToken     string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// session returns the current cookie/csrf pair under the lock.
func (c *Client) session() (cookie, csrf string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCookie, c.csrfToken
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.sessionCookie = ""
	c.csrfToken = ""
	c.mu.Unlock()
}

// ensureSession establishes a cookie+CSRF session when no API key is
// configured. Without credentials it still records the anonymous cookie the
// CSRF endpoint hands out, which single-user instances accept.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.APIKey != "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionCookie != "" && c.csrfToken != "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/csrf-token", nil)
	if err != nil {
		return err
	}
	res, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("csrf fetch: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("csrf fetch failed: %d", res.StatusCode)
	}
	var csrfBody struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(res.Body).Decode(&csrfBody)
	c.csrfToken = csrfBody.Token
	initCookies := joinCookies(res.Header.Values("Set-Cookie"))

	if c.Username == "" || c.Password == "" {
		c.sessionCookie = initCookies
		return nil
	}

	loginPayload, _ := json.Marshal(map[string]string{"handle": c.Username, "password": c.Password})
	lreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/users/login", bytes.NewReader(loginPayload))
	if err != nil {
		return err
	}
	lreq.Header.Set("Content-Type", "application/json")
	if c.csrfToken != "" {
		lreq.Header.Set("X-CSRF-Token", c.csrfToken)
	}
	if initCookies != "" {
		lreq.Header.Set("Cookie", initCookies)
	}
	lres, err := c.http().Do(lreq)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer lres.Body.Close()
	if lres.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %d", lres.StatusCode)
	}
	c.sessionCookie = joinCookies(lres.Header.Values("Set-Cookie"))

	// The CSRF token rotates with the session; refresh it on the new cookie.
	creq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/csrf-token", nil)
	if err != nil {
		return err
	}
	if c.sessionCookie != "" {
		creq.Header.Set("Cookie", c.sessionCookie)
	}
	cres, err := c.http().Do(creq)
	if err == nil {
		defer cres.Body.Close()
		if cres.StatusCode == http.StatusOK {
			var body struct {
				Token string `json:"token"`
			}
			if json.NewDecoder(cres.Body).Decode(&body) == nil && body.Token != "" {
				c.csrfToken = body.Token
			}
		}
	}
	return nil
}

// Request performs an authenticated call against a path (or absolute URL).
// A 403 on the cookie-session path clears the cached session, re-authenticates,
// and retries exactly once; a second failure is returned to the caller.
func (c *Client) Request(ctx context.Context, method, pathOrURL string, body []byte) (*http.Response, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	res, err := c.do(ctx, method, pathOrURL, body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusForbidden && c.APIKey == "" {
		_ = res.Body.Close()
		c.clearSession()
		if err := c.ensureSession(ctx); err != nil {
			return nil, err
		}
		return c.do(ctx, method, pathOrURL, body)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, pathOrURL string, body []byte) (*http.Response, error) {
	url := pathOrURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		if !strings.HasPrefix(url, "/") {
			url = "/" + url
		}
		url = c.BaseURL + url
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	cookie, csrf := c.session()
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	return c.http().Do(req)
}

// joinCookies keeps the name=value part of each Set-Cookie header and joins
// them the way a browser would send them back.
func joinCookies(setCookies []string) string {
	parts := make([]string, 0, len(setCookies))
	for _, raw := range setCookies {
		if p := strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "; ")
}
