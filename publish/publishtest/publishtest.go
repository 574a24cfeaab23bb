// Package publishtest provides in-memory channel backends with call counters
// and injectable failures. Tests use them to assert dry-run isolation,
// idempotency, and retry behavior; local development uses them as stand-ins
// for the real CRM, platform, and social APIs.
package publishtest

import (
	"context"
	"sync"

	"github.com/crosspost-io/crosspost/publish"
)

// MockCRM implements email.CRM. It records batches and can be programmed to
// fail a number of calls with a given error.
type MockCRM struct {
	mu       sync.Mutex
	batches  [][]string
	failures int
	failWith error
}

// NewMockCRM constructs an empty MockCRM.
func NewMockCRM() *MockCRM {
	return &MockCRM{}
}

// FailNext makes the next n SendBatch calls fail with err.
func (m *MockCRM) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failWith = err
}

// SendBatch implements email.CRM.
func (m *MockCRM) SendBatch(_ context.Context, _, _ string, recipients []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return 0, m.failWith
	}
	m.batches = append(m.batches, append([]string(nil), recipients...))
	return len(recipients), nil
}

// Calls returns the number of accepted batches.
func (m *MockCRM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// Sent returns the total recipients accepted across batches.
func (m *MockCRM) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

type platformEntry struct {
	remoteID string
	url      string
	title    string
	body     string
}

// MockPlatform implements web.Platform with idempotent upserts keyed by
// content id. Writes counts actual mutations, so tests can assert that
// republishing identical content causes no incremental side effect.
type MockPlatform struct {
	mu       sync.Mutex
	entries  map[string]platformEntry
	writes   int
	calls    int
	failures int
	failWith error
}

// NewMockPlatform constructs an empty MockPlatform.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{entries: make(map[string]platformEntry)}
}

// FailNext makes the next n Upsert calls fail with err.
func (m *MockPlatform) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failWith = err
}

// Upsert implements web.Platform.
func (m *MockPlatform) Upsert(_ context.Context, contentID, title, body string) (string, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return "", "", false, m.failWith
	}
	if e, ok := m.entries[contentID]; ok && e.title == title && e.body == body {
		return e.remoteID, e.url, false, nil
	}
	e := platformEntry{
		remoteID: "web-" + contentID,
		url:      "/updates/web-" + contentID,
		title:    title,
		body:     body,
	}
	m.entries[contentID] = e
	m.writes++
	return e.remoteID, e.url, true, nil
}

// Calls returns the number of Upsert invocations, including failed ones.
func (m *MockPlatform) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Writes returns the number of actual mutations performed.
func (m *MockPlatform) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// MockSocialAPI implements social.API, recording posted texts.
type MockSocialAPI struct {
	mu       sync.Mutex
	network  string
	posts    []string
	failures int
	failWith error
}

// NewMockSocialAPI constructs a MockSocialAPI for the named network.
func NewMockSocialAPI(network string) *MockSocialAPI {
	return &MockSocialAPI{network: network}
}

// FailNext makes the next n Post calls fail with err.
func (m *MockSocialAPI) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failWith = err
}

// Post implements social.API.
func (m *MockSocialAPI) Post(_ context.Context, text string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return "", "", m.failWith
	}
	m.posts = append(m.posts, text)
	id := m.network + "-post"
	return id, "https://" + m.network + ".example/" + id, nil
}

// Posts returns the recorded post texts.
func (m *MockSocialAPI) Posts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.posts...)
}

// Calls returns the number of successful posts.
func (m *MockSocialAPI) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

// ServerError builds a backend_5xx publish error for failure injection.
func ServerError(code int) *publish.Error {
	return &publish.Error{Kind: publish.KindBackend5xx, Message: "backend error", StatusCode: code}
}
