// Package responder polls channels on behalf of every character whose
// override enables auto-respond, and answers messages that trigger it. A
// per-channel watermark guarantees history is never replayed; a global and a
// per-character busy gate guarantee at most one poll in flight.
package responder

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/dreamcord"
	"github.com/onnwee/cast-tender/replygen"
	"github.com/onnwee/cast-tender/telemetry"
)

// DefaultInterval is the tick period.
const DefaultInterval = 4 * time.Second

// FallbackReply is posted when every generation backend fails, so a
// triggered message never goes unanswered.
const FallbackReply = "I heard you. My AI backend is unavailable right now, please try again in a moment."

const messagePageSize = 40

// watermarkLayout matches the millisecond timestamps the channel API emits,
// so watermarks stay lexically comparable with message created_at values.
const watermarkLayout = "2006-01-02T15:04:05.000Z07:00"

// OverrideSource yields the current override set each tick.
type OverrideSource interface {
	Overrides(ctx context.Context) (map[string]character.Override, error)
}

// Bot is the channel API slice the loop needs.
type Bot interface {
	Me(ctx context.Context, token string) (dreamcord.BotIdentity, error)
	Channels(ctx context.Context, token string) ([]dreamcord.Channel, error)
	MessagesSince(ctx context.Context, token, channelID, after string, limit int) ([]dreamcord.Message, error)
	PostMessage(ctx context.Context, token, channelID, content string, prefix bool) (string, error)
}

// Generator produces an in-character reply.
type Generator interface {
	Generate(ctx context.Context, req replygen.Request) (string, error)
}

// State is the externally visible slice of one character's responder record.
type State struct {
	Busy      bool   `json:"busy"`
	LastError string `json:"last_error"`
	BotName   string `json:"bot_name,omitempty"`
}

type record struct {
	botName   string
	botID     string
	busy      bool
	lastError string
	// lastSeen maps channel id to the newest message timestamp observed.
	lastSeen map[string]string
	// memory holds recent channel lines, newest last, for generation context.
	memory map[string][]string
}

// Loop runs the recurring poll. Construct, then Start.
type Loop struct {
	Store     OverrideSource
	Bot       Bot
	Generator Generator
	Interval  time.Duration
	// Now is stubbed in tests to control watermark initialization.
	Now func() time.Time

	mu       sync.Mutex
	tickBusy bool
	records  map[string]*record
}

func NewLoop(store OverrideSource, bot Bot, gen Generator) *Loop {
	return &Loop{
		Store:     store,
		Bot:       bot,
		Generator: gen,
		Interval:  DefaultInterval,
		records:   map[string]*record{},
	}
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Start ticks until the context is canceled.
func (l *Loop) Start(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()
}

// Tick runs one poll pass. Reentrant calls while a pass is in flight return
// immediately; ticks are skipped, never queued.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	if l.tickBusy {
		l.mu.Unlock()
		return
	}
	l.tickBusy = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.tickBusy = false
		l.mu.Unlock()
	}()

	telemetry.Inc(telemetry.ResponderTicks)
	overrides, err := l.Store.Overrides(ctx)
	if err != nil {
		slog.Warn("responder: load overrides failed", "error", err)
		return
	}
	for sourceID, ov := range overrides {
		if !ov.ResponderOn() || ov.Token() == "" {
			continue
		}
		l.pollCharacter(ctx, sourceID, ov)
	}
}

func (l *Loop) pollCharacter(ctx context.Context, sourceID string, ov character.Override) {
	l.mu.Lock()
	rec := l.records[sourceID]
	if rec == nil {
		rec = &record{lastSeen: map[string]string{}, memory: map[string][]string{}}
		l.records[sourceID] = rec
	}
	if rec.busy {
		l.mu.Unlock()
		return
	}
	rec.busy = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		rec.busy = false
		l.mu.Unlock()
	}()

	if err := l.runPoll(ctx, sourceID, ov, rec); err != nil {
		l.mu.Lock()
		rec.lastError = err.Error()
		l.mu.Unlock()
		slog.Warn("responder: poll failed", "character", sourceID, "error", err)
		return
	}
	l.mu.Lock()
	rec.lastError = ""
	l.mu.Unlock()
}

func (l *Loop) runPoll(ctx context.Context, sourceID string, ov character.Override, rec *record) error {
	token := ov.Token()
	if rec.botName == "" || rec.botID == "" {
		me, err := l.Bot.Me(ctx, token)
		if err != nil {
			return err
		}
		l.mu.Lock()
		rec.botName = strings.TrimSpace(me.Name)
		rec.botID = strings.TrimSpace(me.ID)
		l.mu.Unlock()
	}

	channels, err := l.Bot.Channels(ctx, token)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if ch.ID == "" || (ch.ChannelType != "text" && ch.ChannelType != "forum") {
			continue
		}
		if rec.lastSeen[ch.ID] == "" {
			// First observation establishes the baseline; history is
			// never replayed.
			rec.lastSeen[ch.ID] = l.now().UTC().Format(watermarkLayout)
			continue
		}
		messages, err := l.Bot.MessagesSince(ctx, token, ch.ID, rec.lastSeen[ch.ID], messagePageSize)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			if msg.ID == "" {
				continue
			}
			if msg.CreatedAt > rec.lastSeen[ch.ID] {
				rec.lastSeen[ch.ID] = msg.CreatedAt
			}
			if msg.AuthorID != "" && msg.AuthorID == rec.botID {
				continue
			}
			history := l.rememberAndSnapshot(rec, ch.ID, msg, ov)
			if !ov.RespondAny() && !ShouldRespond(msg.Content, rec.botName, sourceID, ov.Keyword()) {
				continue
			}
			l.answer(ctx, sourceID, ov, rec, ch.ID, msg.Content, history)
		}
	}
	return nil
}

// rememberAndSnapshot appends the message to the channel's memory (bounded)
// and returns the context lines that preceded it, sized to the override's
// memory settings.
func (l *Loop) rememberAndSnapshot(rec *record, channelID string, msg dreamcord.Message, ov character.Override) []string {
	prior := rec.memory[channelID]
	var history []string
	if ov.MemoryOn() {
		n := ov.MemoryCount()
		if n > len(prior) {
			n = len(prior)
		}
		if n > 0 {
			history = append(history, prior[len(prior)-n:]...)
		}
	}
	line := msg.Content
	if msg.AuthorID != "" {
		line = msg.AuthorID + ": " + msg.Content
	}
	next := append(prior, line)
	if len(next) > character.MaxMemoryMessages {
		next = next[len(next)-character.MaxMemoryMessages:]
	}
	rec.memory[channelID] = next
	return history
}

func (l *Loop) answer(ctx context.Context, sourceID string, ov character.Override, rec *record, channelID, content string, history []string) {
	prompt := StripMention(content, rec.botName)
	ch := character.Apply(character.Character{SourceID: sourceID, Name: rec.botName}, &ov)

	var reply string
	var err error
	telemetry.TimeFunc(telemetry.ReplyDuration, func() {
		reply, err = l.Generator.Generate(ctx, replygen.Request{
			Character: ch,
			Input:     prompt,
			History:   history,
		})
	})
	if err != nil {
		telemetry.Inc(telemetry.ReplyFailures)
		l.mu.Lock()
		rec.lastError = err.Error()
		l.mu.Unlock()
		reply = FallbackReply
	}
	if _, err := l.Bot.PostMessage(ctx, ov.Token(), channelID, reply, false); err != nil {
		slog.Warn("responder: post reply failed", "character", sourceID, "channel", channelID, "error", err)
		return
	}
	telemetry.Inc(telemetry.RepliesSent)
}

// ShouldRespond is the trigger policy: a pure, case-insensitive substring
// predicate. An empty message never triggers.
func ShouldRespond(content, botName, sourceID, keyword string) bool {
	raw := strings.TrimSpace(content)
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	name := strings.ToLower(strings.TrimSpace(botName))
	source := strings.ToLower(strings.TrimSpace(sourceID))
	alias := strings.TrimSpace(separatorRe.ReplaceAllString(source, " "))
	trigger := strings.ToLower(strings.TrimSpace(keyword))

	switch {
	case name != "" && strings.Contains(lower, "@"+name):
		return true
	case name != "" && strings.Contains(lower, name):
		return true
	case source != "" && strings.Contains(lower, "@"+source):
		return true
	case source != "" && strings.Contains(lower, source):
		return true
	case alias != "" && strings.Contains(lower, alias):
		return true
	case trigger != "" && strings.Contains(lower, trigger):
		return true
	}
	return false
}

var separatorRe = regexp.MustCompile(`[-_]+`)

// StripMention removes @name mentions from the content to form the
// generation prompt, falling back to the raw content when stripping leaves
// nothing.
func StripMention(content, botName string) string {
	name := strings.TrimSpace(botName)
	if name == "" {
		return content
	}
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name))
	stripped := strings.TrimSpace(re.ReplaceAllString(content, ""))
	if stripped == "" {
		return content
	}
	return stripped
}

// State reports one character's record; unknown ids read as idle.
func (l *Loop) State(sourceID string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[sourceID]
	if rec == nil {
		return State{}
	}
	return State{Busy: rec.busy, LastError: rec.lastError, BotName: rec.botName}
}

// Forget drops a character's record, resetting watermarks and memory. Called
// when its override is deleted.
func (l *Loop) Forget(sourceID string) {
	l.mu.Lock()
	delete(l.records, sourceID)
	l.mu.Unlock()
}
