// Package content defines the validated content model that flows through the
// distribution pipeline. Raw documents arrive as loosely structured sections
// (see RawContent); the Validator converts them into typed Items with
// guaranteed invariants. Items are immutable after validation: downstream
// components (renderers, publishers) receive copies or read-only views and
// never mutate them.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type (
	// Kind identifies the content variant. The set is closed: unknown kinds
	// are rejected by the Validator rather than silently downgraded.
	Kind string

	// Tone selects the voice applied by the tone pass before rendering.
	Tone string

	// Item is a validated unit of content. Two items with the same ID carry
	// identical title, body, and flags; the ID is derived from the source
	// document and a content hash, so re-validating unchanged input yields
	// the same ID.
	Item struct {
		// Kind is the content variant (update, blog, announcement,
		// session_summary).
		Kind Kind
		// ID is a stable identifier derived from source + content hash.
		ID string
		// Title is the headline text.
		Title string
		// Body is the main text.
		Body string
		// Published gates distribution. Unpublished items are never
		// distributed, independent of dry-run mode.
		Published bool
		// Featured marks the item for prominent placement.
		Featured bool
		// Priority orders items 1..5 with 1 highest. Defaults to 3.
		Priority int
		// Channels restricts distribution to the named channels. Empty means
		// all eligible channels.
		Channels []string
		// ScheduledFor optionally delays distribution until the given UTC
		// instant.
		ScheduledFor *time.Time
		// Template optionally selects a rendering template.
		Template string
		// Tone optionally overrides the default tone for the item.
		Tone Tone
		// Tags carries free-form labels used for cache invalidation and
		// search.
		Tags []string
		// Metadata carries opaque key/value pairs supplied by the source.
		Metadata map[string]string
		// Blog holds blog-specific fields. Nil unless Kind == KindBlog.
		Blog *BlogFields
		// Section identifies the source section for weekly batch planning
		// (e.g. "breathscape", "hardware"). Empty when the source does not
		// classify sections.
		Section string
	}

	// BlogFields extends Item for blog posts.
	BlogFields struct {
		// ReadingTime is the computed reading time in minutes, at 200 words
		// per minute with a minimum of 1. It is always computed, never
		// accepted from the source.
		ReadingTime int
	}

	// RawContent is the bundle returned by a ContentSource for a document.
	// Sections appear in source order; the Validator preserves that order.
	RawContent struct {
		// DocumentID identifies the source document.
		DocumentID string `json:"document_id" yaml:"document_id"`
		// Sections are the structured blocks extracted from the document.
		Sections []Section `json:"sections" yaml:"sections"`
	}

	// Section is one loosely typed block of a raw document. Field values are
	// strings as extracted from the living document; the Validator is
	// responsible for parsing and type checks.
	Section struct {
		// Kind names the intended content kind.
		Kind string `json:"kind" yaml:"kind"`
		// Title and Body carry the section text.
		Title string `json:"title" yaml:"title"`
		Body  string `json:"body" yaml:"body"`
		// Fields holds the remaining attributes (published, priority,
		// channels, scheduled_for, tone, template, featured, tags, section).
		Fields map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	}
)

const (
	KindUpdate         Kind = "update"
	KindBlog           Kind = "blog"
	KindAnnouncement   Kind = "announcement"
	KindSessionSummary Kind = "session_summary"
)

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneCommunity    Tone = "community"
	ToneTechnical    Tone = "technical"
)

// Kinds lists the recognized content kinds.
func Kinds() []Kind {
	return []Kind{KindUpdate, KindBlog, KindAnnouncement, KindSessionSummary}
}

// KnownKind reports whether k is a recognized content kind.
func KnownKind(k Kind) bool {
	switch k {
	case KindUpdate, KindBlog, KindAnnouncement, KindSessionSummary:
		return true
	}
	return false
}

// DeriveID computes the stable item identifier from the source document and
// the item text. Identical input always produces the same ID, which the web
// channel relies on for idempotent upserts.
func DeriveID(documentID, title, body string) string {
	sum := sha256.Sum256([]byte(documentID + "\x00" + title + "\x00" + body))
	return hex.EncodeToString(sum[:])[:16]
}

// Hash returns the content hash covering the fields that define a content
// snapshot. Jobs use it to build fingerprints for single-flight dedup.
func (it Item) Hash() string {
	var b strings.Builder
	b.WriteString(string(it.Kind))
	b.WriteByte(0)
	b.WriteString(it.Title)
	b.WriteByte(0)
	b.WriteString(it.Body)
	b.WriteByte(0)
	if it.Published {
		b.WriteByte(1)
	}
	if it.Featured {
		b.WriteByte(1)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// HashAll combines the hashes of items into a single content hash, preserving
// item order.
func HashAll(items []Item) string {
	h := sha256.New()
	for _, it := range items {
		h.Write([]byte(it.Hash()))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ReadingTime computes the reading time in minutes for the given text at 200
// words per minute, with a minimum of 1 minute.
func ReadingTime(text string) int {
	words := len(strings.Fields(text))
	minutes := words / 200
	if words%200 != 0 {
		minutes++
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
