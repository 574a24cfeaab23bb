package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PurgeTier invalidates a remote cache (CDN edge or downstream API cache) by
// posting the request to its purge endpoint. The remote decides what the
// selectors mean; the tier only reports transport and status failures.
type PurgeTier struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewPurgeTier constructs a purge tier. Typical names are "cdn" and "api".
func NewPurgeTier(name, endpoint string, client *http.Client) *PurgeTier {
	if client == nil {
		client = http.DefaultClient
	}
	return &PurgeTier{name: name, endpoint: endpoint, client: client}
}

// Name implements Tier.
func (t *PurgeTier) Name() string { return t.name }

// Invalidate implements Tier. The purge endpoint receives the request as JSON
// and answers with {"invalidated": N}; a missing count is reported as zero.
func (t *PurgeTier) Invalidate(ctx context.Context, req Request) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("encode purge request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build purge request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(hreq)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", t.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("purge %s: HTTP %d", t.name, resp.StatusCode)
	}
	var out struct {
		Invalidated int `json:"invalidated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, nil
	}
	return out.Invalidated, nil
}
