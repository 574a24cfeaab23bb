package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToneForResolutionOrder(t *testing.T) {
	m := NewToneManager(map[string]Tone{"twitter": ToneCasual})

	// Item tone wins over the channel default.
	assert.Equal(t, ToneTechnical, m.ToneFor(Item{Tone: ToneTechnical}, "twitter"))
	// Channel default applies when the item has none.
	assert.Equal(t, ToneCasual, m.ToneFor(Item{}, "twitter"))
	// Professional is the final fallback.
	assert.Equal(t, ToneProfessional, m.ToneFor(Item{}, "email"))
}

func TestApplyProfessionalSoftensExclamations(t *testing.T) {
	m := NewToneManager(nil)
	in := Item{Title: "Big news!!", Body: "We shipped it!"}
	out := m.Apply(in, "email", SegmentGeneral)

	assert.Equal(t, "Big news.", out.Title)
	assert.Equal(t, "We shipped it.", out.Body)
	assert.Equal(t, ToneProfessional, out.Tone)
	// The input item is untouched.
	assert.Equal(t, "Big news!!", in.Title)
}

func TestApplyTechnicalReplacesEmphasis(t *testing.T) {
	m := NewToneManager(nil)
	out := m.Apply(Item{Title: "Fixed!!", Body: "done", Tone: ToneTechnical}, "web", SegmentGeneral)
	assert.Equal(t, "Fixed..", out.Title)
}

func TestApplyCasualLeavesTextAlone(t *testing.T) {
	m := NewToneManager(map[string]Tone{"twitter": ToneCasual})
	out := m.Apply(Item{Title: "Yes!!", Body: "So good!"}, "twitter", SegmentGeneral)
	assert.Equal(t, "Yes!!", out.Title)
	assert.Equal(t, "So good!", out.Body)
	assert.Equal(t, ToneCasual, out.Tone)
}

func TestApplyCustomerSegmentGreeting(t *testing.T) {
	m := NewToneManager(map[string]Tone{"email": ToneCommunity})
	out := m.Apply(Item{Title: "Update", Body: "The new firmware is out."}, "email", SegmentCustomers)
	assert.Equal(t, "Hello! The new firmware is out.", out.Body)

	// Already-greeting bodies are not double prefixed.
	out = m.Apply(Item{Title: "Update", Body: "Hello everyone."}, "email", SegmentCustomers)
	assert.Equal(t, "Hello everyone.", out.Body)
}
