package dreamcord

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

// BotIdentity is the bot's own identity as reported by /bot/me.
type BotIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is one channel visible to a bot.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ChannelType string `json:"channel_type"`
}

// Message is one channel message.
type Message struct {
	ID        string `json:"id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// BotClient drives the portal's bot API. Every call carries a per-character
// bot token, so the client itself is stateless and shared.
type BotClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (b *BotClient) http() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

func (b *BotClient) doJSON(ctx context.Context, token, method, path string, body []byte, out any) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("bot token missing")
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+token)
	res, err := b.http().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		txt, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("dreamcord bot %s %s failed: %d %s", method, path, res.StatusCode, strings.TrimSpace(string(txt)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("dreamcord bot %s %s: decode: %w", method, path, err)
	}
	return nil
}

// Me resolves the bot's own name and id for the given token.
func (b *BotClient) Me(ctx context.Context, token string) (BotIdentity, error) {
	var id BotIdentity
	err := b.doJSON(ctx, token, http.MethodGet, "/bot/me", nil, &id)
	return id, err
}

// Channels lists every channel the bot can see.
func (b *BotClient) Channels(ctx context.Context, token string) ([]Channel, error) {
	var chs []Channel
	if err := b.doJSON(ctx, token, http.MethodGet, "/bot/channels", nil, &chs); err != nil {
		return nil, err
	}
	return chs, nil
}

// MessagesSince fetches channel messages created after the given ISO-8601
// watermark, bounded by limit.
func (b *BotClient) MessagesSince(ctx context.Context, token, channelID, after string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 40
	}
	path := fmt.Sprintf("/bot/channels/%s/messages?after=%s&limit=%d",
		url.PathEscape(channelID), url.QueryEscape(after), limit)
	var msgs []Message
	if err := b.doJSON(ctx, token, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PostMessage posts content to a channel and returns the created message id
// (empty when the portal omits it).
func (b *BotClient) PostMessage(ctx context.Context, token, channelID, content string, prefix bool) (string, error) {
	body, _ := json.Marshal(map[string]any{"content": content, "prefix": prefix})
	var created struct {
		ID string `json:"id"`
	}
	err := b.doJSON(ctx, token, http.MethodPost, "/bot/channels/"+url.PathEscape(channelID)+"/messages", body, &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}
