package tavern

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateFallsBackAcrossProbes(t *testing.T) {
	var sources []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/csrf-token":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "x"})
		case "/api/backends/chat-completions/generate":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			src, _ := body["chat_completion_source"].(string)
			sources = append(sources, src)
			if src == "custom" {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": "Well met."}}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	text, err := c.Generate(context.Background(), "system", "hello", "http://llm.local")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Well met." {
		t.Errorf("text = %q", text)
	}
	if len(sources) != 2 || sources[0] != "custom" || sources[1] != "openai" {
		t.Errorf("probe order = %v, want [custom openai]", sources)
	}
}

func TestGenerateRejectsBrokenReplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/csrf-token" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "x"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "TypeError: Cannot read properties of undefined"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	_, err := c.Generate(context.Background(), "s", "u", "")
	if err == nil {
		t.Fatal("broken upstream text must not pass as a reply")
	}
	if !strings.Contains(err.Error(), "generation failed") {
		t.Errorf("err = %v", err)
	}
}

func TestExtractChatText(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"nil", nil, ""},
		{"string payload", "  hi  ", "hi"},
		{"choices message content", map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "a"}}}}, "a"},
		{"choices text", map[string]any{"choices": []any{map[string]any{"text": "b"}}}, "b"},
		{"first non-empty choice wins", map[string]any{"choices": []any{map[string]any{"text": "  "}, map[string]any{"text": "c"}}}, "c"},
		{"flat text", map[string]any{"text": "d"}, "d"},
		{"flat reply", map[string]any{"reply": "e"}, "e"},
		{"error envelope", map[string]any{"error": true, "text": "ignored"}, ""},
		{"error message envelope", map[string]any{"message": "boom"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractChatText(tt.payload); got != tt.want {
				t.Errorf("ExtractChatText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsBrokenReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"undefined", true},
		{"TypeError: x is not a function", true},
		{"Cannot read properties of undefined (reading 'indexOf')", true},
		{"A perfectly good reply.", false},
	}
	for _, tt := range tests {
		if got := IsBrokenReply(tt.in); got != tt.want {
			t.Errorf("IsBrokenReply(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
