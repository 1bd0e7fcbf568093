package character

import (
	"strings"
	"testing"
)

func TestNormalizeNameCandidates(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want string
		ok   bool
	}{
		{"primary name", map[string]any{"name": "Aria"}, "Aria", true},
		{"char_name fallback", map[string]any{"char_name": "Nyx"}, "Nyx", true},
		{"display_name fallback", map[string]any{"display_name": "Vex"}, "Vex", true},
		{"title fallback", map[string]any{"title": "The Oracle"}, "The Oracle", true},
		{"ordered preference", map[string]any{"title": "B", "name": "A"}, "A", true},
		{"whitespace only rejected", map[string]any{"name": "   "}, "", false},
		{"no name rejected", map[string]any{"description": "x"}, "", false},
		{"empty record rejected", map[string]any{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Normalize(tt.raw)
			if ok != tt.ok {
				t.Fatalf("Normalize ok = %v, want %v", ok, tt.ok)
			}
			if ok && c.Name != tt.want {
				t.Errorf("Name = %q, want %q", c.Name, tt.want)
			}
		})
	}
}

func TestNormalizeSourceID(t *testing.T) {
	c, ok := Normalize(map[string]any{"name": "Aria", "uuid": "u-123"})
	if !ok || c.SourceID != "u-123" {
		t.Fatalf("SourceID = %q, want u-123", c.SourceID)
	}

	// numeric ids are rendered in decimal form
	c, _ = Normalize(map[string]any{"name": "Aria", "id": float64(42)})
	if c.SourceID != "42" {
		t.Errorf("numeric SourceID = %q, want 42", c.SourceID)
	}

	// no identity field falls back to a slug of the name
	c, _ = Normalize(map[string]any{"name": "Aria The  Bold!"})
	if c.SourceID != "aria-the-bold" {
		t.Errorf("slug SourceID = %q, want aria-the-bold", c.SourceID)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Aria", "aria"},
		{"Aria The Bold", "aria-the-bold"},
		{"  --weird__name--  ", "weird-name"},
		{"ALL CAPS 99", "all-caps-99"},
		{"***", ""},
		{strings.Repeat("a", 100), strings.Repeat("a", 80)},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeBioComposition(t *testing.T) {
	c, _ := Normalize(map[string]any{
		"name":        "Aria",
		"description": "A wandering bard.",
		"scenario":    "A quiet tavern.",
		"first_mes":   "Well met!",
	})
	want := "A wandering bard.\n\nScenario: A quiet tavern.\n\nGreeting: Well met!"
	if c.Bio != want {
		t.Errorf("Bio = %q, want %q", c.Bio, want)
	}

	// empty parts are skipped, not rendered as empty labels
	c, _ = Normalize(map[string]any{"name": "Aria", "first_mes": "Hi"})
	if c.Bio != "Greeting: Hi" {
		t.Errorf("Bio = %q, want %q", c.Bio, "Greeting: Hi")
	}
	c, _ = Normalize(map[string]any{"name": "Aria"})
	if c.Bio != "" {
		t.Errorf("Bio = %q, want empty", c.Bio)
	}
}

func TestNormalizeTruncation(t *testing.T) {
	c, _ := Normalize(map[string]any{
		"name":        strings.Repeat("n", 200),
		"description": strings.Repeat("d", 5000),
		"status":      strings.Repeat("s", 500),
	})
	if len(c.Name) != MaxNameLen {
		t.Errorf("len(Name) = %d, want %d", len(c.Name), MaxNameLen)
	}
	if len(c.Description) != MaxDescriptionLen {
		t.Errorf("len(Description) = %d, want %d", len(c.Description), MaxDescriptionLen)
	}
	if len(c.Bio) > MaxBioLen {
		t.Errorf("len(Bio) = %d, want <= %d", len(c.Bio), MaxBioLen)
	}
	if len(c.StatusText) != MaxStatusLen {
		t.Errorf("len(StatusText) = %d, want %d", len(c.StatusText), MaxStatusLen)
	}
}

func TestNormalizeURLValidation(t *testing.T) {
	tests := []struct {
		name   string
		avatar string
		want   string
	}{
		{"https kept", "https://cdn.example.com/a.png", "https://cdn.example.com/a.png"},
		{"http kept", "http://cdn.example.com/a.png", "http://cdn.example.com/a.png"},
		{"relative dropped", "/static/a.png", ""},
		{"ftp dropped", "ftp://example.com/a.png", ""},
		{"javascript dropped", "javascript:alert(1)", ""},
		{"garbage dropped", "not a url", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := Normalize(map[string]any{"name": "Aria", "avatar": tt.avatar})
			if c.AvatarURL != tt.want {
				t.Errorf("AvatarURL = %q, want %q", c.AvatarURL, tt.want)
			}
		})
	}
}

func TestNormalizeDefaultStatus(t *testing.T) {
	c, _ := Normalize(map[string]any{"name": "Aria"})
	if c.StatusText != DefaultStatusText {
		t.Errorf("StatusText = %q, want %q", c.StatusText, DefaultStatusText)
	}
	c, _ = Normalize(map[string]any{"name": "Aria", "mood": "dreaming"})
	if c.StatusText != "dreaming" {
		t.Errorf("StatusText = %q, want dreaming", c.StatusText)
	}
}
