// Package nomi is a minimal client for the Nomi companion-chat API. Each
// call is authenticated by the character's own API key, so one client serves
// every character.
package nomi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is the hosted API endpoint; override for tests.
const DefaultBaseURL = "https://api.nomi.ai"

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Chat sends input to the named companion and returns its reply text. A
// non-2xx status or a payload with no recognizable reply text is an error;
// it must never be mistaken for a successful empty reply.
func (c *Client) Chat(ctx context.Context, apiKey, nomiID, input string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	nomiID = strings.TrimSpace(nomiID)
	if apiKey == "" {
		return "", fmt.Errorf("missing companion api key")
	}
	if nomiID == "" {
		return "", fmt.Errorf("missing companion id")
	}

	body, _ := json.Marshal(map[string]string{"messageText": input})
	endpoint := c.base() + "/v1/nomis/" + url.PathEscape(nomiID) + "/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http().Do(req)
	if err != nil {
		return "", fmt.Errorf("nomi chat: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		txt, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return "", fmt.Errorf("nomi chat failed: %d %s", res.StatusCode, strings.TrimSpace(string(txt)))
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("nomi chat: decode: %w", err)
	}
	text := extractReply(payload)
	if text == "" {
		return "", fmt.Errorf("nomi chat returned no reply text")
	}
	return text, nil
}

// replyPaths is the ordered list of candidate fields the reply text has
// been observed under across API revisions; the first non-empty one wins.
var replyPaths = [][]string{
	{"reply"},
	{"response"},
	{"message"},
	{"text"},
	{"data", "reply"},
	{"data", "text"},
	{"assistantMessage", "text"},
	{"replyMessage", "text"},
	{"reply_message", "text"},
	{"assistant_message", "text"},
	{"message", "text"},
}

func extractReply(payload map[string]any) string {
	for _, path := range replyPaths {
		var cur any = payload
		for _, key := range path {
			m, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = m[key]
		}
		if s, ok := cur.(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	return ""
}
