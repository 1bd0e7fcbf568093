package character

// Override is the operator-supplied partial patch for one character, keyed
// by source id. It is sparse: a nil field means "not set, fall back to the
// source value". Overrides are the only persisted character state.
type Override struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	StatusText  *string `json:"status_text,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	BannerURL   *string `json:"banner_url,omitempty"`
	RoomID      *string `json:"room_id,omitempty"`
	APIKey      *string `json:"api_key,omitempty"`
	BotToken    *string `json:"bot_token,omitempty"`

	// Override-only behavior flags with no source-side equivalent.
	PresenceEnabled   *bool   `json:"presence_enabled,omitempty"`
	ResponderEnabled  *bool   `json:"responder_enabled,omitempty"`
	RespondAnyMessage *bool   `json:"respond_any_message,omitempty"`
	TriggerKeyword    *string `json:"trigger_keyword,omitempty"`
	MemoryEnabled     *bool   `json:"memory_enabled,omitempty"`
	MemoryMessages    *int    `json:"memory_messages,omitempty"`
}

// Sanitize trims and caps every set field in place and coerces invalid URL
// values to empty strings. MemoryMessages is clamped to [0, MaxMemoryMessages].
func (o *Override) Sanitize() {
	clampField(o.Name, MaxNameLen)
	clampField(o.Description, MaxDescriptionLen)
	clampField(o.Bio, MaxBioLen)
	clampField(o.StatusText, MaxStatusLen)
	clampField(o.RoomID, MaxRoomIDLen)
	clampField(o.APIKey, MaxCredentialLen)
	clampField(o.BotToken, MaxCredentialLen)
	clampField(o.TriggerKeyword, MaxKeywordLen)
	if o.AvatarURL != nil {
		*o.AvatarURL = clampURL(*o.AvatarURL)
	}
	if o.BannerURL != nil {
		*o.BannerURL = clampURL(*o.BannerURL)
	}
	if o.MemoryMessages != nil {
		if *o.MemoryMessages < 0 {
			*o.MemoryMessages = 0
		}
		if *o.MemoryMessages > MaxMemoryMessages {
			*o.MemoryMessages = MaxMemoryMessages
		}
	}
}

func clampField(p *string, max int) {
	if p != nil {
		*p = clampText(*p, max)
	}
}

// Merge overlays patch on top of o: every field set in patch replaces the
// corresponding field of o, including explicit empty strings (those are
// removed again by Compact).
func (o Override) Merge(patch Override) Override {
	out := o
	mergeStr(&out.Name, patch.Name)
	mergeStr(&out.Description, patch.Description)
	mergeStr(&out.Bio, patch.Bio)
	mergeStr(&out.StatusText, patch.StatusText)
	mergeStr(&out.AvatarURL, patch.AvatarURL)
	mergeStr(&out.BannerURL, patch.BannerURL)
	mergeStr(&out.RoomID, patch.RoomID)
	mergeStr(&out.APIKey, patch.APIKey)
	mergeStr(&out.BotToken, patch.BotToken)
	mergeStr(&out.TriggerKeyword, patch.TriggerKeyword)
	mergeBool(&out.PresenceEnabled, patch.PresenceEnabled)
	mergeBool(&out.ResponderEnabled, patch.ResponderEnabled)
	mergeBool(&out.RespondAnyMessage, patch.RespondAnyMessage)
	mergeBool(&out.MemoryEnabled, patch.MemoryEnabled)
	if patch.MemoryMessages != nil {
		v := *patch.MemoryMessages
		out.MemoryMessages = &v
	}
	return out
}

func mergeStr(dst **string, src *string) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func mergeBool(dst **bool, src *bool) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

// Compact drops string fields holding empty values so they fall back to the
// source, matching the invariant that an override never stores empty keys.
// Boolean and numeric fields are kept regardless of value.
func (o Override) Compact() Override {
	out := o
	dropEmpty(&out.Name)
	dropEmpty(&out.Description)
	dropEmpty(&out.Bio)
	dropEmpty(&out.StatusText)
	dropEmpty(&out.AvatarURL)
	dropEmpty(&out.BannerURL)
	dropEmpty(&out.RoomID)
	dropEmpty(&out.APIKey)
	dropEmpty(&out.BotToken)
	dropEmpty(&out.TriggerKeyword)
	return out
}

func dropEmpty(p **string) {
	if *p != nil && **p == "" {
		*p = nil
	}
}

// IsEmpty reports whether no field at all is set; such an override is
// deleted from the store rather than persisted as {}.
func (o Override) IsEmpty() bool {
	return o.Name == nil && o.Description == nil && o.Bio == nil &&
		o.StatusText == nil && o.AvatarURL == nil && o.BannerURL == nil &&
		o.RoomID == nil && o.APIKey == nil && o.BotToken == nil &&
		o.PresenceEnabled == nil && o.ResponderEnabled == nil &&
		o.RespondAnyMessage == nil && o.TriggerKeyword == nil &&
		o.MemoryEnabled == nil && o.MemoryMessages == nil
}

// PresenceOn reports operator intent for a live presence connection.
func (o Override) PresenceOn() bool {
	return o.PresenceEnabled != nil && *o.PresenceEnabled
}

// ResponderOn reports whether auto-respond is enabled.
func (o Override) ResponderOn() bool {
	return o.ResponderEnabled != nil && *o.ResponderEnabled
}

// RespondAny reports whether the trigger policy is bypassed entirely.
func (o Override) RespondAny() bool {
	return o.RespondAnyMessage != nil && *o.RespondAnyMessage
}

// MemoryOn reports whether recent channel context is fed to generation.
// Memory defaults to on; only an explicit false disables it.
func (o Override) MemoryOn() bool {
	return o.MemoryEnabled == nil || *o.MemoryEnabled
}

// MemoryCount returns the configured context window size, defaulting to 6.
func (o Override) MemoryCount() int {
	if o.MemoryMessages == nil {
		return 6
	}
	return *o.MemoryMessages
}

// Keyword returns the configured trigger keyword, or "".
func (o Override) Keyword() string {
	if o.TriggerKeyword == nil {
		return ""
	}
	return *o.TriggerKeyword
}

// Token returns the bot token, or "".
func (o Override) Token() string {
	if o.BotToken == nil {
		return ""
	}
	return *o.BotToken
}

// Apply merges an override into a character, producing the effective record
// used by sync, preview, and the responder. nil receiver is a no-op merge.
// Name and URL fields only apply when the override value is usable (non-empty
// name, valid http/https URL); all other set fields apply verbatim, including
// explicit empty strings.
func Apply(c Character, o *Override) Character {
	out := c
	if o == nil {
		return out
	}
	if o.Name != nil && *o.Name != "" {
		out.Name = clampText(*o.Name, MaxNameLen)
	}
	if o.Description != nil {
		out.Description = clampText(*o.Description, MaxDescriptionLen)
	}
	if o.Bio != nil {
		out.Bio = clampText(*o.Bio, MaxBioLen)
	}
	if o.StatusText != nil {
		out.StatusText = clampText(*o.StatusText, MaxStatusLen)
	}
	if o.AvatarURL != nil && IsHTTPURL(*o.AvatarURL) {
		out.AvatarURL = clampText(*o.AvatarURL, MaxCredentialLen)
	}
	if o.BannerURL != nil && IsHTTPURL(*o.BannerURL) {
		out.BannerURL = clampText(*o.BannerURL, MaxCredentialLen)
	}
	if o.RoomID != nil {
		out.RoomID = clampText(*o.RoomID, MaxRoomIDLen)
	}
	if o.APIKey != nil {
		out.APIKey = clampText(*o.APIKey, MaxCredentialLen)
	}
	if o.BotToken != nil {
		out.BotToken = clampText(*o.BotToken, MaxCredentialLen)
	}
	return out
}
