package tavern

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// characterProbes is the ordered list of endpoint shapes tried when no
// explicit characters URL is configured. Different SillyTavern versions and
// forks expose the listing in different places.
var characterProbes = []struct {
	Path   string
	Method string
}{
	{"/api/characters/all", http.MethodPost},
	{"/api/characters", http.MethodGet},
	{"/api/characters/list", http.MethodGet},
	{"/api/v1/characters", http.MethodGet},
	{"/api/char/list", http.MethodGet},
	{"/characters", http.MethodGet},
}

// FetchCharacters returns the raw character records from the first probe
// that yields a non-empty array. Failures are accumulated per probe and
// reported together when every shape is exhausted.
func (c *Client) FetchCharacters(ctx context.Context) ([]map[string]any, error) {
	probes := characterProbes
	if c.CharactersURL != "" {
		probes = []struct {
			Path   string
			Method string
		}{{c.CharactersURL, http.MethodGet}}
	}

	var errs []string
	for _, probe := range probes {
		res, err := c.Request(ctx, probe.Method, probe.Path, nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", probe.Path, err))
			continue
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			_ = res.Body.Close()
			errs = append(errs, fmt.Sprintf("%s: %d", probe.Path, res.StatusCode))
			continue
		}
		var payload any
		err = json.NewDecoder(res.Body).Decode(&payload)
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", probe.Path, err))
			continue
		}
		rows := pickArrayPayload(payload)
		if len(rows) > 0 {
			return rows, nil
		}
		errs = append(errs, probe.Path+": empty")
	}
	return nil, fmt.Errorf("could not fetch characters (%s)", strings.Join(errs, " | "))
}

// pickArrayPayload accepts either a bare array or an object wrapping the
// array under one of the usual envelope keys.
func pickArrayPayload(payload any) []map[string]any {
	toRows := func(list []any) []map[string]any {
		rows := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows
	}
	if list, ok := payload.([]any); ok {
		return toRows(list)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"characters", "data", "results", "items", "list"} {
		if list, ok := obj[key].([]any); ok {
			return toRows(list)
		}
	}
	return nil
}
