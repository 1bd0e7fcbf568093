package character

import (
	"fmt"
	"strings"
)

// DefaultStatusText is used when the source record carries no status field.
const DefaultStatusText = "SillyTavern Character"

// Candidate field names tried in order when normalizing a raw source record.
// The source API has no fixed schema, so each target attribute is resolved
// from an ordered probe list; unknown extra fields are ignored.
var (
	nameFields        = []string{"name", "char_name", "display_name", "title"}
	idFields          = []string{"id", "uuid", "character_id", "char_id"}
	descriptionFields = []string{"description", "persona", "personality", "bio"}
	scenarioFields    = []string{"scenario", "context"}
	greetingFields    = []string{"first_mes", "greeting", "welcome"}
	statusFields      = []string{"status", "tagline", "mood"}
	avatarFields      = []string{"avatar_url", "avatar", "image", "icon"}
	bannerFields      = []string{"banner_url", "banner", "cover"}
	roomFields        = []string{"room_id", "room", "chat_id"}
)

// Normalize converts one raw record from the source character listing into
// the canonical Character shape. A record without a resolvable non-empty
// name is filtered out (ok=false), not an error. Over-length fields are
// truncated, never rejected.
func Normalize(raw map[string]any) (Character, bool) {
	name := firstString(raw, nameFields)
	if name == "" {
		return Character{}, false
	}
	sourceID := firstString(raw, idFields)
	if sourceID == "" {
		sourceID = Slugify(name)
	}
	description := firstString(raw, descriptionFields)
	scenario := firstString(raw, scenarioFields)
	greeting := firstString(raw, greetingFields)
	status := firstString(raw, statusFields)
	if status == "" {
		status = DefaultStatusText
	}

	return Character{
		SourceID:    sourceID,
		Name:        truncate(name, MaxNameLen),
		Description: truncate(description, MaxDescriptionLen),
		Bio:         composeBio(description, scenario, greeting),
		StatusText:  truncate(status, MaxStatusLen),
		AvatarURL:   clampURL(firstString(raw, avatarFields)),
		BannerURL:   clampURL(firstString(raw, bannerFields)),
		RoomID:      truncate(firstString(raw, roomFields), MaxRoomIDLen),
	}, true
}

// composeBio joins description plus labeled scenario and greeting lines,
// each included only when non-empty, separated by blank lines.
func composeBio(description, scenario, greeting string) string {
	parts := make([]string, 0, 3)
	if description != "" {
		parts = append(parts, description)
	}
	if scenario != "" {
		parts = append(parts, "Scenario: "+scenario)
	}
	if greeting != "" {
		parts = append(parts, "Greeting: "+greeting)
	}
	return truncate(strings.Join(parts, "\n\n"), MaxBioLen)
}

// firstString returns the first trimmed, non-empty value among the candidate
// keys. Numeric identifiers are rendered as their decimal form since some
// source variants expose ids as JSON numbers.
func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			if t == float64(int64(t)) {
				return fmt.Sprintf("%d", int64(t))
			}
			return fmt.Sprintf("%v", t)
		case int:
			return fmt.Sprintf("%d", t)
		case bool:
			// booleans are never a usable name/id/url value
		}
	}
	return ""
}
