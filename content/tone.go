package content

import "strings"

type (
	// Segment identifies an audience segment for personalization.
	Segment string

	// ToneManager applies tone and audience transforms to item text. All
	// transforms are pure: they derive new text from the input and never
	// mutate the item in place.
	ToneManager struct {
		defaults map[string]Tone
	}
)

const (
	SegmentGeneral    Segment = "general"
	SegmentDevelopers Segment = "developers"
	SegmentCustomers  Segment = "customers"
)

// NewToneManager constructs a ToneManager with per-channel default tones.
// Channels without an entry fall back to ToneProfessional.
func NewToneManager(defaults map[string]Tone) *ToneManager {
	d := make(map[string]Tone, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &ToneManager{defaults: d}
}

// ToneFor resolves the effective tone for an item on a channel: the item's
// own tone wins, then the channel default, then professional.
func (m *ToneManager) ToneFor(item Item, channel string) Tone {
	if item.Tone != "" {
		return item.Tone
	}
	if t, ok := m.defaults[channel]; ok {
		return t
	}
	return ToneProfessional
}

// Apply returns a copy of the item with tone and segment transforms applied
// to its title and body for the given channel. The input item is unchanged.
func (m *ToneManager) Apply(item Item, channel string, segment Segment) Item {
	tone := m.ToneFor(item, channel)
	out := item
	out.Title = applyTone(item.Title, tone)
	out.Body = personalize(applyTone(item.Body, tone), segment)
	out.Tone = tone
	return out
}

// applyTone adjusts text for the requested tone. The transforms are
// intentionally conservative: they normalize punctuation and framing without
// rewriting the author's words.
func applyTone(text string, tone Tone) string {
	switch tone {
	case ToneCasual, ToneCommunity:
		return text
	case ToneTechnical:
		// Technical tone drops trailing exclamation emphasis.
		return strings.TrimRight(text, "!") + strings.Repeat(".", countTrailing(text, '!'))
	default: // professional
		trimmed := strings.TrimRight(text, "!")
		if trimmed != text {
			return trimmed + "."
		}
		return text
	}
}

// personalize prefixes audience-specific framing onto body text.
func personalize(text string, segment Segment) string {
	switch segment {
	case SegmentDevelopers:
		return text
	case SegmentCustomers:
		if !strings.HasPrefix(text, "Hello") {
			return "Hello! " + text
		}
		return text
	default:
		return text
	}
}

func countTrailing(s string, c byte) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == c; i-- {
		n++
	}
	return n
}
