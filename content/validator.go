package content

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Validator converts RawContent into validated Items. It is configured
	// with the set of registered channel names so that channel references in
	// source documents can be checked at validation time.
	//
	// Validation is deterministic: items are emitted in source order and
	// re-running validation over the same input produces the same items,
	// issues, and warnings.
	Validator struct {
		channels map[string]struct{}
		schema   *jsonschema.Schema
	}

	// Issue describes a validation problem with a path locator into the raw
	// document (e.g. "sections[3].title").
	Issue struct {
		// Path locates the offending field in the raw document.
		Path string `json:"path"`
		// Message is a human-readable description of the problem.
		Message string `json:"message"`
	}

	// Result is the outcome of validating a raw document. Issues mark
	// sections that were rejected; warnings annotate accepted items.
	// Warnings never cause rejection.
	Result struct {
		Items    []Item
		Issues   []Issue
		Warnings []Issue
	}

	// ValidationError is returned when a pre-constructed item draft violates
	// the content schema or invariants.
	ValidationError struct {
		Issues []Issue
	}
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = fmt.Sprintf("%s: %s", is.Path, is.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// draftSchema is the JSON Schema applied to pre-constructed item drafts
// submitted through the validation API. Structural checks live here; semantic
// checks (channel registration, priority range, kind recognition) are applied
// afterwards by the typed parser.
const draftSchema = `{
  "type": "object",
  "required": ["title", "body"],
  "properties": {
    "kind": {"type": "string"},
    "title": {"type": "string", "minLength": 1},
    "body": {"type": "string"},
    "published": {"type": "boolean"},
    "featured": {"type": "boolean"},
    "priority": {"type": "integer"},
    "channels": {"type": "array", "items": {"type": "string"}},
    "scheduled_for": {"type": "string"},
    "template": {"type": "string"},
    "tone": {"type": "string"},
    "section": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "metadata": {"type": "object"}
  }
}`

// NewValidator constructs a Validator that accepts references to the given
// channel names. Returns an error if the embedded draft schema fails to
// compile.
func NewValidator(channels []string) (*Validator, error) {
	set := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}
	var doc any
	if err := json.Unmarshal([]byte(draftSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal draft schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("draft.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("draft.json")
	if err != nil {
		return nil, fmt.Errorf("compile draft schema: %w", err)
	}
	return &Validator{channels: set, schema: schema}, nil
}

// Channels returns the registered channel names in sorted order.
func (v *Validator) Channels() []string {
	names := make([]string, 0, len(v.channels))
	for c := range v.channels {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// Validate converts a raw document into validated items. Sections that
// violate the content invariants are reported as issues and excluded from the
// result; warnings annotate accepted items. Validate itself only fails when
// the bundle is unusable as a whole (missing document id).
func (v *Validator) Validate(raw RawContent) (Result, error) {
	if raw.DocumentID == "" {
		return Result{}, &ValidationError{Issues: []Issue{{Path: "document_id", Message: "document id is required"}}}
	}
	var res Result
	for i, sec := range raw.Sections {
		path := fmt.Sprintf("sections[%d]", i)
		item, issues, warnings := v.parseSection(raw.DocumentID, sec, path)
		res.Warnings = append(res.Warnings, warnings...)
		if len(issues) > 0 {
			res.Issues = append(res.Issues, issues...)
			continue
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

// ValidateOne validates a single pre-constructed item draft, as submitted by
// API callers. The draft is first checked against the JSON schema, then
// parsed with the same rules as document sections. Returns a ValidationError
// describing every problem found.
func (v *Validator) ValidateOne(documentID string, draft map[string]any) (Item, []Issue, error) {
	if err := v.schema.Validate(draft); err != nil {
		return Item{}, nil, &ValidationError{Issues: []Issue{{Path: "draft", Message: err.Error()}}}
	}
	sec := Section{
		Kind:   stringField(draft, "kind"),
		Title:  stringField(draft, "title"),
		Body:   stringField(draft, "body"),
		Fields: draft,
	}
	item, issues, warnings := v.parseSection(documentID, sec, "draft")
	if len(issues) > 0 {
		return Item{}, warnings, &ValidationError{Issues: issues}
	}
	return item, warnings, nil
}

// parseSection applies the content invariants to one section. It returns the
// parsed item together with any issues (fatal for the section) and warnings
// (informational).
func (v *Validator) parseSection(documentID string, sec Section, path string) (Item, []Issue, []Issue) {
	var issues, warnings []Issue

	kind := Kind(sec.Kind)
	if kind == "" {
		if k := stringField(sec.Fields, "kind"); k != "" {
			kind = Kind(k)
		}
	}
	if !KnownKind(kind) {
		issues = append(issues, Issue{Path: path + ".kind", Message: fmt.Sprintf("unknown kind %q", string(kind))})
	}
	if sec.Title == "" {
		issues = append(issues, Issue{Path: path + ".title", Message: "title is required"})
	}
	if sec.Body == "" {
		issues = append(issues, Issue{Path: path + ".body", Message: "body is required"})
	}

	item := Item{
		Kind:  kind,
		Title: sec.Title,
		Body:  sec.Body,
	}

	// published: absent means false, anything non-boolean is malformed.
	if raw, ok := sec.Fields["published"]; ok {
		b, ok := raw.(bool)
		if !ok {
			issues = append(issues, Issue{Path: path + ".published", Message: "published must be a boolean"})
		} else {
			item.Published = b
		}
	}
	if raw, ok := sec.Fields["featured"]; ok {
		b, ok := raw.(bool)
		if !ok {
			issues = append(issues, Issue{Path: path + ".featured", Message: "featured must be a boolean"})
		} else {
			item.Featured = b
		}
	}

	item.Priority = 3
	if raw, ok := sec.Fields["priority"]; ok {
		p, ok := intField(raw)
		if !ok {
			issues = append(issues, Issue{Path: path + ".priority", Message: "priority must be an integer"})
		} else if p < 1 || p > 5 {
			issues = append(issues, Issue{Path: path + ".priority", Message: fmt.Sprintf("priority %d out of range 1..5", p)})
		} else {
			item.Priority = p
		}
	}

	if raw, ok := sec.Fields["channels"]; ok {
		chans, ok := stringSlice(raw)
		if !ok {
			issues = append(issues, Issue{Path: path + ".channels", Message: "channels must be a list of strings"})
		} else {
			for _, c := range chans {
				if _, known := v.channels[c]; !known {
					issues = append(issues, Issue{Path: path + ".channels", Message: fmt.Sprintf("unknown channel %q", c)})
				}
			}
			item.Channels = chans
		}
	}

	if raw := stringField(sec.Fields, "scheduled_for"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			issues = append(issues, Issue{Path: path + ".scheduled_for", Message: "scheduled_for must be UTC ISO-8601"})
		} else {
			utc := ts.UTC()
			item.ScheduledFor = &utc
			if utc.Before(time.Now().UTC()) {
				warnings = append(warnings, Issue{Path: path + ".scheduled_for", Message: "scheduled_for is in the past"})
			}
		}
	}

	if tone := stringField(sec.Fields, "tone"); tone != "" {
		item.Tone = Tone(tone)
	}
	item.Template = stringField(sec.Fields, "template")
	item.Section = stringField(sec.Fields, "section")
	if raw, ok := sec.Fields["tags"]; ok {
		if tags, ok := stringSlice(raw); ok {
			item.Tags = tags
		}
	}
	if raw, ok := sec.Fields["metadata"]; ok {
		if meta, ok := raw.(map[string]any); ok {
			item.Metadata = make(map[string]string, len(meta))
			for k, mv := range meta {
				item.Metadata[k] = fmt.Sprint(mv)
			}
		}
	}

	if len(issues) > 0 {
		return Item{}, issues, warnings
	}

	if item.Kind == KindBlog {
		item.Blog = &BlogFields{ReadingTime: ReadingTime(item.Body)}
	}
	item.ID = DeriveID(documentID, item.Title, item.Body)
	return item, nil, warnings
}

func stringField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func intField(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func stringSlice(raw any) ([]string, bool) {
	switch vs := raw.(type) {
	case []string:
		return append([]string(nil), vs...), true
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
