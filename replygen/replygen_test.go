package replygen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/nomi"
	"github.com/onnwee/cast-tender/tavern"
)

func fakeLLM(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		})
	}))
}

func TestGeneratePrefersCompanion(t *testing.T) {
	nomiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": "from companion"})
	}))
	defer nomiSrv.Close()
	llm := fakeLLM(t, "from local")
	defer llm.Close()

	chain := &Chain{
		Nomi:        &nomi.Client{BaseURL: nomiSrv.URL},
		LocalLLMURL: llm.URL + "/v1",
	}
	reply, err := chain.Generate(context.Background(), Request{
		Character: character.Character{Name: "Aria", APIKey: "k", RoomID: "room-1"},
		Input:     "hello",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "from companion" {
		t.Errorf("reply = %q", reply)
	}
}

func TestGenerateSkipsCompanionWithoutCredentials(t *testing.T) {
	llm := fakeLLM(t, "from local")
	defer llm.Close()

	chain := &Chain{
		Nomi:        &nomi.Client{BaseURL: "http://127.0.0.1:1"},
		LocalLLMURL: llm.URL + "/v1",
	}
	reply, err := chain.Generate(context.Background(), Request{
		Character: character.Character{Name: "Aria"},
		Input:     "hello",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "from local" {
		t.Errorf("reply = %q", reply)
	}
}

func TestGenerateCompanionFailureDoesNotFallThrough(t *testing.T) {
	nomiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer nomiSrv.Close()
	var llmCalls int32
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&llmCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "backup answer"}},
			},
		})
	}))
	defer llm.Close()

	chain := &Chain{
		Nomi:        &nomi.Client{BaseURL: nomiSrv.URL},
		LocalLLMURL: llm.URL + "/v1",
	}
	_, err := chain.Generate(context.Background(), Request{
		Character: character.Character{Name: "Aria", APIKey: "k", RoomID: "room-1"},
		Input:     "hello",
	})
	if err == nil || !strings.Contains(err.Error(), "nomi:") {
		t.Fatalf("expected companion error to surface, got %v", err)
	}
	if n := atomic.LoadInt32(&llmCalls); n != 0 {
		t.Errorf("local backend consulted %d times for a companion-bound character", n)
	}
}

func TestGenerateRejectsBrokenLocalReply(t *testing.T) {
	llm := fakeLLM(t, "TypeError: cannot read properties of undefined")
	defer llm.Close()
	tavernSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "clean answer"}},
			},
		})
	}))
	defer tavernSrv.Close()

	chain := &Chain{
		LocalLLMURL: llm.URL + "/v1",
		Tavern:      &tavern.Client{BaseURL: tavernSrv.URL, APIKey: "k"},
	}
	reply, err := chain.Generate(context.Background(), Request{
		Character: character.Character{Name: "Aria"},
		Input:     "hello",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "clean answer" {
		t.Errorf("reply = %q", reply)
	}
}

func TestGenerateAllBackendsFail(t *testing.T) {
	chain := &Chain{
		LocalLLMURL: "http://127.0.0.1:1/v1",
		Tavern:      &tavern.Client{BaseURL: "http://127.0.0.1:1", APIKey: "k"},
	}
	_, err := chain.Generate(context.Background(), Request{
		Character: character.Character{Name: "Aria"},
		Input:     "hello",
	})
	if err == nil || !strings.Contains(err.Error(), "all reply backends failed") {
		t.Errorf("expected aggregate failure, got %v", err)
	}
}

func TestGenerateNoBackends(t *testing.T) {
	chain := &Chain{}
	_, err := chain.Generate(context.Background(), Request{
		Character: character.Character{Name: "Aria"},
		Input:     "hello",
	})
	if err == nil || !strings.Contains(err.Error(), "no reply backends configured") {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestSystemPromptIncludesPersona(t *testing.T) {
	p := systemPrompt(character.Character{
		Name:        "Aria",
		Description: "A bold explorer.",
		Bio:         "A bold explorer.\n\nScenario: ruins",
	})
	if !strings.Contains(p, "You are Aria.") {
		t.Errorf("missing identity line: %q", p)
	}
	if !strings.Contains(p, "A bold explorer.") {
		t.Errorf("missing description: %q", p)
	}
	if !strings.Contains(p, "Scenario: ruins") {
		t.Errorf("missing bio: %q", p)
	}
}

func TestUserPromptThreadsHistory(t *testing.T) {
	p := userPrompt(Request{
		Input:   "what next?",
		History: []string{"alice: hi", "Aria: hello"},
	})
	if !strings.Contains(p, "alice: hi") || !strings.Contains(p, "what next?") {
		t.Errorf("prompt missing parts: %q", p)
	}
	if userPrompt(Request{Input: "solo"}) != "solo" {
		t.Error("history-free prompt should be the bare input")
	}
}
