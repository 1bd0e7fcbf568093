// Package character defines the canonical character shape produced from the
// authoring tool's loosely-typed records, plus the operator override patch
// that takes precedence over source values.
package character

import (
	"net/url"
	"strings"
)

// Field length caps shared by normalization, override sanitization, and the
// registry patch builder.
const (
	MaxNameLen        = 80
	MaxDescriptionLen = 2000
	MaxBioLen         = 4000
	MaxStatusLen      = 120
	MaxRoomIDLen      = 120
	MaxCredentialLen  = 512
	MaxKeywordLen     = 120
	MaxMemoryMessages = 20
)

// Character is the canonical, post-normalization character record. It is
// rebuilt on every fetch from the source system and never persisted; only
// the Override is durable.
type Character struct {
	SourceID    string `json:"source_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Bio         string `json:"bio"`
	StatusText  string `json:"status_text"`
	AvatarURL   string `json:"avatar_url"`
	BannerURL   string `json:"banner_url"`
	RoomID      string `json:"room_id"`
	APIKey      string `json:"api_key,omitempty"`
	BotToken    string `json:"bot_token,omitempty"`
}

// IsHTTPURL reports whether v parses as an absolute http or https URL.
func IsHTTPURL(v string) bool {
	u, err := url.Parse(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Slugify lowercases the input, collapses non-alphanumeric runs into single
// hyphens, trims leading/trailing hyphens, and caps the result at MaxNameLen.
// Used as the source-id fallback when a record carries no identity field.
func Slugify(in string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(in) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	return truncate(s, MaxNameLen)
}

// truncate caps s at max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && s[max]&0xC0 == 0x80 {
		max--
	}
	return s[:max]
}

func clampText(v string, max int) string {
	return truncate(strings.TrimSpace(v), max)
}

func clampURL(v string) string {
	if IsHTTPURL(v) {
		return strings.TrimSpace(v)
	}
	return ""
}
