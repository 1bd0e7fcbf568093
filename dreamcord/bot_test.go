package dreamcord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBotServer(t *testing.T) (*httptest.Server, *BotClient) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/bot/me":
			_ = json.NewEncoder(w).Encode(BotIdentity{ID: "bot:1", Name: "Aria"})
		case r.URL.Path == "/bot/channels":
			_ = json.NewEncoder(w).Encode([]Channel{
				{ID: "ch-1", Name: "general", ChannelType: "text"},
				{ID: "ch-2", Name: "gallery", ChannelType: "voice"},
			})
		case r.URL.Path == "/bot/channels/ch-1/messages" && r.Method == http.MethodGet:
			if r.URL.Query().Get("after") == "" || r.URL.Query().Get("limit") != "40" {
				t.Errorf("unexpected query: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode([]Message{
				{ID: "m-1", AuthorID: "user:9", Content: "hi @Aria", CreatedAt: "2026-09-01T10:00:00Z"},
			})
		case r.URL.Path == "/bot/channels/ch-1/messages" && r.Method == http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["content"] == "" {
				t.Error("empty content posted")
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "m-2"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &BotClient{BaseURL: srv.URL}
}

func TestBotClientRoundTrip(t *testing.T) {
	_, bot := newBotServer(t)
	ctx := context.Background()

	me, err := bot.Me(ctx, "tok-1")
	if err != nil || me.Name != "Aria" || me.ID != "bot:1" {
		t.Fatalf("Me = %+v, err %v", me, err)
	}

	chs, err := bot.Channels(ctx, "tok-1")
	if err != nil || len(chs) != 2 {
		t.Fatalf("Channels = %+v, err %v", chs, err)
	}

	msgs, err := bot.MessagesSince(ctx, "tok-1", "ch-1", "2026-09-01T09:00:00Z", 0)
	if err != nil || len(msgs) != 1 || msgs[0].ID != "m-1" {
		t.Fatalf("MessagesSince = %+v, err %v", msgs, err)
	}

	id, err := bot.PostMessage(ctx, "tok-1", "ch-1", "hello", false)
	if err != nil || id != "m-2" {
		t.Fatalf("PostMessage = %q, err %v", id, err)
	}
}

func TestBotClientMissingToken(t *testing.T) {
	bot := &BotClient{BaseURL: "http://example.invalid"}
	if _, err := bot.Me(context.Background(), "  "); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestBotClientErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()
	bot := &BotClient{BaseURL: srv.URL}
	_, err := bot.Channels(context.Background(), "tok-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "429 slow down"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %v, want contains %q", err, want)
	}
}
