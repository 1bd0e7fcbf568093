// Package replygen produces in-character reply text for an incoming chat
// message. A character with Nomi companion credentials talks to its companion
// exclusively. Everything else falls through a fixed order: a local
// OpenAI-compatible server first, then the SillyTavern generation proxy.
package replygen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/nomi"
	"github.com/onnwee/cast-tender/tavern"
)

// Request carries everything a backend needs to stay in character.
type Request struct {
	Character character.Character
	Input     string
	// History holds recent channel messages oldest-first, already capped
	// by the caller's memory settings. May be empty.
	History []string
}

// Chain tries each configured backend in order. Unset backends are skipped.
type Chain struct {
	Nomi        *nomi.Client
	Tavern      *tavern.Client
	LocalLLMURL string
	LocalModel  string

	// localClient is built lazily from LocalLLMURL; tests may inject one.
	localClient *openai.Client
}

const localTimeout = 45 * time.Second

// Generate returns the first usable reply. All backends failing is an error;
// the caller decides whether to fall back to a canned apology.
func (c *Chain) Generate(ctx context.Context, req Request) (string, error) {
	var failures []string

	// A character with companion credentials is bound to its companion: a
	// failure there surfaces to the caller instead of leaking the
	// conversation to another backend.
	if c.Nomi != nil && req.Character.APIKey != "" && req.Character.RoomID != "" {
		reply, err := c.Nomi.Chat(ctx, req.Character.APIKey, req.Character.RoomID, req.Input)
		if err == nil && !tavern.IsBrokenReply(reply) {
			return reply, nil
		}
		if err == nil {
			err = fmt.Errorf("unusable reply text")
		}
		slog.Debug("companion backend failed", "character", req.Character.Name, "error", err)
		return "", fmt.Errorf("nomi: %w", err)
	}

	if c.LocalLLMURL != "" {
		reply, err := c.generateLocal(ctx, req)
		if err == nil && !tavern.IsBrokenReply(reply) {
			return reply, nil
		}
		if err == nil {
			err = fmt.Errorf("unusable reply text")
		}
		slog.Debug("local llm backend failed", "character", req.Character.Name, "error", err)
		failures = append(failures, "local: "+err.Error())
	}

	if c.Tavern != nil {
		reply, err := c.Tavern.Generate(ctx, systemPrompt(req.Character), userPrompt(req), "")
		if err == nil {
			return reply, nil
		}
		slog.Debug("tavern backend failed", "character", req.Character.Name, "error", err)
		failures = append(failures, "tavern: "+err.Error())
	}

	if len(failures) == 0 {
		return "", fmt.Errorf("no reply backends configured")
	}
	return "", fmt.Errorf("all reply backends failed (%s)", strings.Join(failures, " | "))
}

func (c *Chain) local() *openai.Client {
	if c.localClient == nil {
		cfg := openai.DefaultConfig("local")
		cfg.BaseURL = strings.TrimSuffix(c.LocalLLMURL, "/")
		c.localClient = openai.NewClientWithConfig(cfg)
	}
	return c.localClient
}

func (c *Chain) generateLocal(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Character)},
	}
	for _, h := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: h,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Input,
	})

	model := c.LocalModel
	if model == "" {
		model = "local"
	}
	resp, err := c.local().CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.9,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("empty completion")
	}
	return reply, nil
}

func systemPrompt(c character.Character) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Stay in character. Keep replies concise and natural for chat.", c.Name)
	if c.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(c.Description)
	}
	if c.Bio != "" && c.Bio != c.Description {
		b.WriteString("\n\n")
		b.WriteString(c.Bio)
	}
	return b.String()
}

func userPrompt(req Request) string {
	if len(req.History) == 0 {
		return req.Input
	}
	var b strings.Builder
	b.WriteString("Recent messages:\n")
	for _, h := range req.History {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("\nNewest message:\n")
	b.WriteString(req.Input)
	return b.String()
}
