package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testChannels = []string{"email", "web", "twitter", "linkedin", "facebook"}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testChannels)
	require.NoError(t, err)
	return v
}

func section(kind, title, body string, fields map[string]any) Section {
	return Section{Kind: kind, Title: title, Body: body, Fields: fields}
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	v := newTestValidator(t)
	raw := RawContent{
		DocumentID: "doc-1",
		Sections: []Section{
			section("update", "Release week", "We shipped the new firmware.", map[string]any{
				"published": true,
				"priority":  1,
				"channels":  []any{"email", "web"},
				"tags":      []any{"release", "firmware"},
			}),
			section("blog", "Breathing exercises", "Body text with several words in it.", map[string]any{
				"published": true,
				"section":   "breathscape",
			}),
		},
	}

	res, err := v.Validate(raw)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Empty(t, res.Issues)

	update := res.Items[0]
	assert.Equal(t, KindUpdate, update.Kind)
	assert.True(t, update.Published)
	assert.Equal(t, 1, update.Priority)
	assert.Equal(t, []string{"email", "web"}, update.Channels)
	assert.NotEmpty(t, update.ID)

	blog := res.Items[1]
	require.NotNil(t, blog.Blog)
	assert.Equal(t, 1, blog.Blog.ReadingTime)
	assert.Equal(t, "breathscape", blog.Section)
}

func TestValidateRequiresDocumentID(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.Validate(RawContent{Sections: []Section{section("update", "t", "b", nil)}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "document_id", verr.Issues[0].Path)
}

func TestValidateRejectsBadSectionsKeepsGood(t *testing.T) {
	v := newTestValidator(t)
	raw := RawContent{
		DocumentID: "doc-1",
		Sections: []Section{
			section("podcast", "t", "b", nil),                                     // unknown kind
			section("update", "", "b", nil),                                       // missing title
			section("update", "t", "b", map[string]any{"published": "yes"}),       // non-boolean
			section("update", "t", "b", map[string]any{"priority": 9}),            // out of range
			section("update", "t", "b", map[string]any{"channels": []any{"mast"}}), // unknown channel
			section("update", "ok", "fine", map[string]any{"published": true}),
		},
	}
	res, err := v.Validate(raw)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "ok", res.Items[0].Title)
	assert.Len(t, res.Issues, 5)
}

func TestValidatePriorityDefaultsTo3(t *testing.T) {
	v := newTestValidator(t)
	res, err := v.Validate(RawContent{
		DocumentID: "doc-1",
		Sections:   []Section{section("update", "t", "b", nil)},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 3, res.Items[0].Priority)
}

func TestValidatePastScheduleIsWarningNotIssue(t *testing.T) {
	v := newTestValidator(t)
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	res, err := v.Validate(RawContent{
		DocumentID: "doc-1",
		Sections: []Section{section("update", "t", "b", map[string]any{
			"scheduled_for": past,
		})},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Empty(t, res.Issues)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "past")
	require.NotNil(t, res.Items[0].ScheduledFor)
}

func TestValidateRejectsMalformedSchedule(t *testing.T) {
	v := newTestValidator(t)
	res, err := v.Validate(RawContent{
		DocumentID: "doc-1",
		Sections: []Section{section("update", "t", "b", map[string]any{
			"scheduled_for": "tomorrow at noon",
		})},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0].Path, "scheduled_for")
}

func TestValidateDeterministicIDs(t *testing.T) {
	v := newTestValidator(t)
	raw := RawContent{
		DocumentID: "doc-1",
		Sections:   []Section{section("update", "title", "body", map[string]any{"published": true})},
	}
	first, err := v.Validate(raw)
	require.NoError(t, err)
	second, err := v.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, first.Items[0].ID, second.Items[0].ID)
	assert.Equal(t, HashAll(first.Items), HashAll(second.Items))
}

func TestValidateOne(t *testing.T) {
	v := newTestValidator(t)

	t.Run("valid draft", func(t *testing.T) {
		item, warnings, err := v.ValidateOne("doc-1", map[string]any{
			"kind":      "announcement",
			"title":     "New product",
			"body":      "It exists now.",
			"published": true,
		})
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Equal(t, KindAnnouncement, item.Kind)
		assert.NotEmpty(t, item.ID)
	})

	t.Run("schema violation", func(t *testing.T) {
		_, _, err := v.ValidateOne("doc-1", map[string]any{"kind": "update"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("semantic violation", func(t *testing.T) {
		_, _, err := v.ValidateOne("doc-1", map[string]any{
			"kind":     "update",
			"title":    "t",
			"body":     "b",
			"channels": []any{"myspace"},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0].Message, "myspace")
	})
}

func TestReadingTime(t *testing.T) {
	assert.Equal(t, 1, ReadingTime("short"))
	words := make([]byte, 0, 6*450)
	for i := 0; i < 450; i++ {
		words = append(words, []byte("word ")...)
	}
	assert.Equal(t, 3, ReadingTime(string(words)))
}
