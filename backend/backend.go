// Package backend provides the concrete clients behind the channel
// publishers: HTTP clients for deployments with real CRM, website, and
// social endpoints, and logging stand-ins for local runs where no backend is
// configured. HTTP failures are classified into the publish error taxonomy
// so the resilience layer can branch on them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/publish"
)

// Client is the shared HTTP plumbing for the channel backends.
type Client struct {
	endpoint string
	client   *http.Client
	apiKey   string
}

// NewClient builds a backend client for the endpoint. A nil httpClient uses
// a 30 second default.
func NewClient(endpoint, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: endpoint, client: httpClient, apiKey: apiKey}
}

// post sends a JSON request and decodes the JSON response into out. Non-2xx
// statuses and transport failures come back as *publish.Error.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &publish.Error{Kind: publish.KindInternal, Message: "encode request: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return &publish.Error{Kind: publish.KindInternal, Message: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return publish.AsError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &publish.Error{Kind: publish.KindTransport, Message: "decode response: " + err.Error(), StatusCode: resp.StatusCode}
	}
	return nil
}

// classifyStatus maps an HTTP failure status into the error taxonomy.
func classifyStatus(resp *http.Response) *publish.Error {
	msg := readError(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &publish.Error{
			Kind:       publish.KindRateLimited,
			Message:    msg,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp),
		}
	case resp.StatusCode >= 500:
		return &publish.Error{Kind: publish.KindBackend5xx, Message: msg, StatusCode: resp.StatusCode}
	default:
		return &publish.Error{Kind: publish.KindBackend4xx, Message: msg, StatusCode: resp.StatusCode}
	}
}

// readError extracts a short error message from a failure body.
func readError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(data) == 0 {
		return "backend request failed"
	}
	var wire struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &wire) == nil {
		if wire.Message != "" {
			return wire.Message
		}
		if wire.Error != "" {
			return wire.Error
		}
	}
	return string(data)
}

// retryAfter parses the Retry-After header, seconds form only.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// CRM is the HTTP email backend. It implements email.CRM against a
// /campaigns/send endpoint.
type CRM struct {
	c *Client
}

// NewCRM builds the email backend client.
func NewCRM(c *Client) *CRM { return &CRM{c: c} }

// SendBatch implements email.CRM.
func (m *CRM) SendBatch(ctx context.Context, subject, html string, recipients []string) (int, error) {
	var out struct {
		Accepted int `json:"accepted"`
	}
	err := m.c.post(ctx, "/campaigns/send", map[string]any{
		"subject":    subject,
		"html":       html,
		"recipients": recipients,
	}, &out)
	if err != nil {
		return 0, err
	}
	if out.Accepted == 0 {
		out.Accepted = len(recipients)
	}
	return out.Accepted, nil
}

// Platform is the HTTP website backend. It implements web.Platform against a
// /content endpoint keyed by content id, so repeats update rather than
// duplicate.
type Platform struct {
	c *Client
}

// NewPlatform builds the website backend client.
func NewPlatform(c *Client) *Platform { return &Platform{c: c} }

// Upsert implements web.Platform.
func (p *Platform) Upsert(ctx context.Context, contentID, title, body string) (string, string, bool, error) {
	var out struct {
		ID      string `json:"id"`
		URL     string `json:"url"`
		Created bool   `json:"created"`
	}
	err := p.c.post(ctx, "/content", map[string]any{
		"content_id": contentID,
		"title":      title,
		"body":       body,
	}, &out)
	if err != nil {
		return "", "", false, err
	}
	return out.ID, out.URL, out.Created, nil
}

// Social is the HTTP social backend for one network. It implements
// social.API against a /posts endpoint.
type Social struct {
	c       *Client
	network string
}

// NewSocial builds the social backend client for the named network.
func NewSocial(c *Client, network string) *Social {
	return &Social{c: c, network: network}
}

// Post implements social.API.
func (s *Social) Post(ctx context.Context, text string) (string, string, error) {
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	err := s.c.post(ctx, "/posts", map[string]any{
		"network": s.network,
		"text":    text,
	}, &out)
	if err != nil {
		return "", "", err
	}
	return out.ID, out.URL, nil
}

// LogBackend is the stand-in used when no backend endpoint is configured: it
// logs the payload and reports success. It implements all three backend
// interfaces.
type LogBackend struct {
	name string
}

// NewLogBackend builds a logging stand-in named for its channel.
func NewLogBackend(name string) *LogBackend { return &LogBackend{name: name} }

// SendBatch implements email.CRM.
func (l *LogBackend) SendBatch(ctx context.Context, subject, _ string, recipients []string) (int, error) {
	log.Info(ctx, log.KV{K: "msg", V: "log backend send"}, log.KV{K: "backend", V: l.name},
		log.KV{K: "subject", V: subject}, log.KV{K: "recipients", V: len(recipients)})
	return len(recipients), nil
}

// Upsert implements web.Platform.
func (l *LogBackend) Upsert(ctx context.Context, contentID, title, _ string) (string, string, bool, error) {
	log.Info(ctx, log.KV{K: "msg", V: "log backend upsert"}, log.KV{K: "backend", V: l.name},
		log.KV{K: "content_id", V: contentID}, log.KV{K: "title", V: title})
	return "local-" + contentID, fmt.Sprintf("https://localhost/content/%s", contentID), true, nil
}

// Post implements social.API.
func (l *LogBackend) Post(ctx context.Context, text string) (string, string, error) {
	log.Info(ctx, log.KV{K: "msg", V: "log backend post"}, log.KV{K: "backend", V: l.name},
		log.KV{K: "chars", V: len(text)})
	return "local-post", "https://localhost/posts/local-post", nil
}
