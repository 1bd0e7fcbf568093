package tavern

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// chatMessage is the chat-completion message shape used by the generation
// proxy probes.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate asks the SillyTavern generation proxy for a completion, trying
// an ordered list of request shapes (custom backend first when customURL is
// set, then the openai source). Probe failures are accumulated into the
// final error; an empty or broken reply counts as a failure, never as a
// successful empty completion.
func (c *Client) Generate(ctx context.Context, system, user, customURL string) (string, error) {
	messages := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	type probe struct {
		body map[string]any
		path string
	}
	probes := []probe{
		{
			path: "/api/backends/chat-completions/generate",
			body: map[string]any{
				"chat_completion_source": "custom",
				"model":                  "default",
				"messages":               messages,
				"temperature":            0.9,
				"max_tokens":             200,
			},
		},
		{
			path: "/api/backends/chat-completions/generate",
			body: map[string]any{
				"chat_completion_source": "openai",
				"messages":               messages,
				"temperature":            0.9,
				"max_tokens":             200,
			},
		},
	}
	if customURL != "" {
		probes[0].body["custom_url"] = customURL
	}

	var errs []string
	for _, p := range probes {
		payload, _ := json.Marshal(p.body)
		res, err := c.Request(ctx, http.MethodPost, p.path, payload)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s:%v", p.path, err))
			continue
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			txt, _ := io.ReadAll(io.LimitReader(res.Body, 512))
			_ = res.Body.Close()
			errs = append(errs, fmt.Sprintf("%s:%d %s", p.path, res.StatusCode, truncateErr(string(txt))))
			continue
		}
		var data any
		err = json.NewDecoder(res.Body).Decode(&data)
		_ = res.Body.Close()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s:%v", p.path, err))
			continue
		}
		text := ExtractChatText(data)
		if text != "" && !IsBrokenReply(text) {
			return text, nil
		}
		errs = append(errs, p.path+":empty")
	}
	return "", fmt.Errorf("generation failed (%s)", strings.Join(errs, " | "))
}

// ExtractChatText scans a chat-completion style payload for reply text:
// error envelopes yield "", then choices[].message.content, choices[].text,
// and finally the flat text/reply/response fields.
func ExtractChatText(payload any) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload.(string); ok {
		return strings.TrimSpace(s)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	if b, ok := obj["error"].(bool); ok && b {
		return ""
	}
	for _, k := range []string{"message", "error_message"} {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return ""
		}
	}
	if choices, ok := obj["choices"].([]any); ok {
		for _, c := range choices {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if msg, ok := cm["message"].(map[string]any); ok {
				if s, ok := msg["content"].(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
			if s, ok := cm["text"].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	for _, k := range []string{"text", "reply", "response"} {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// IsBrokenReply flags completions that are actually upstream failure text
// leaking through as a 200. The substrings are known failure strings of the
// proxied backends; see the design notes on making this pluggable.
func IsBrokenReply(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return true
	}
	for _, marker := range []string{
		"cannot read properties of undefined",
		"indexof",
		"typeerror",
		"undefined",
	} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

func truncateErr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
