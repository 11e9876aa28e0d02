// Package nextdns implements the policy store against the NextDNS profile
// API. Parental-control booleans, category/service toggles, denylist rules
// and privacy blocklists are addressed through namespaced policy keys.
package nextdns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jacobragsdale/automation/internal/domain"
)

const defaultTimeout = 5 * time.Second

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration

	mu        sync.Mutex
	profileID string
}

type Option func(*Client)

// WithProfileID pins the profile instead of resolving the account's first one.
func WithProfileID(id string) Option {
	return func(c *Client) { c.profileID = id }
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- wire types ---

type profileEnvelope struct {
	Data profileData `json:"data"`
}

type profileData struct {
	Name            string          `json:"name"`
	ParentalControl parentalControl `json:"parentalControl"`
	Denylist        []denyEntry     `json:"denylist"`
	Privacy         privacySettings `json:"privacy"`
}

type parentalControl struct {
	SafeSearch            bool        `json:"safeSearch"`
	YouTubeRestrictedMode bool        `json:"youtubeRestrictedMode"`
	BlockBypass           bool        `json:"blockBypass"`
	Categories            []toggleRef `json:"categories"`
	Services              []toggleRef `json:"services"`
}

type toggleRef struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

type denyEntry struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

type privacySettings struct {
	Blocklists []struct {
		ID string `json:"id"`
	} `json:"blocklists"`
}

type profileListEnvelope struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// --- PolicyStore ---

// Read fetches the profile and extracts the value for key. Reads never cache:
// every decision sees current remote state.
func (c *Client) Read(ctx context.Context, key domain.Key) (domain.Value, error) {
	if _, err := domain.KindOf(key); err != nil {
		return domain.Value{}, fmt.Errorf("%v: %w", err, domain.ErrRemoteRejected)
	}

	profile, err := c.fetchProfile(ctx)
	if err != nil {
		return domain.Value{}, err
	}

	switch {
	case key == domain.KeySafeSearch:
		return domain.BoolValue(profile.ParentalControl.SafeSearch), nil
	case key == domain.KeyYouTubeRestrictedMode:
		return domain.BoolValue(profile.ParentalControl.YouTubeRestrictedMode), nil
	case key == domain.KeyBlockBypass:
		return domain.BoolValue(profile.ParentalControl.BlockBypass), nil
	case key == domain.KeyPrivacyBlocklists:
		ids := make([]string, 0, len(profile.Privacy.Blocklists))
		for _, bl := range profile.Privacy.Blocklists {
			ids = append(ids, bl.ID)
		}
		return domain.IDSetValue(ids), nil
	case strings.HasPrefix(string(key), "category:"):
		return lookupToggle(profile.ParentalControl.Categories, key)
	case strings.HasPrefix(string(key), "service:"):
		return lookupToggle(profile.ParentalControl.Services, key)
	case strings.HasPrefix(string(key), "denylist:"):
		for _, entry := range profile.Denylist {
			if normalizeDomain(entry.ID) == key.EntryID() {
				return domain.BoolValue(entry.Active), nil
			}
		}
		return domain.AbsentValue(), nil
	}
	return domain.Value{}, fmt.Errorf("unhandled key %q: %w", key, domain.ErrRemoteRejected)
}

func lookupToggle(entries []toggleRef, key domain.Key) (domain.Value, error) {
	for _, entry := range entries {
		if entry.ID == key.EntryID() {
			return domain.BoolValue(entry.Active), nil
		}
	}
	return domain.Value{}, fmt.Errorf("unknown id %q: %w", key.EntryID(), domain.ErrRemoteRejected)
}

// Write pushes one key's desired value to the profile.
func (c *Client) Write(ctx context.Context, key domain.Key, value domain.Value) error {
	switch {
	case key == domain.KeySafeSearch:
		return c.patch(ctx, "/parentalControl", map[string]any{"safeSearch": value.Bool})
	case key == domain.KeyYouTubeRestrictedMode:
		return c.patch(ctx, "/parentalControl", map[string]any{"youtubeRestrictedMode": value.Bool})
	case key == domain.KeyBlockBypass:
		return c.patch(ctx, "/parentalControl", map[string]any{"blockBypass": value.Bool})
	case key == domain.KeyPrivacyBlocklists:
		lists := make([]map[string]string, 0, len(value.IDs))
		for _, id := range value.IDs {
			lists = append(lists, map[string]string{"id": id})
		}
		return c.patch(ctx, "/privacy", map[string]any{"blocklists": lists})
	case strings.HasPrefix(string(key), "category:"):
		return c.patch(ctx, "/parentalControl", map[string]any{
			"categories": []map[string]any{{"id": key.EntryID(), "active": value.Bool}},
		})
	case strings.HasPrefix(string(key), "service:"):
		return c.patch(ctx, "/parentalControl", map[string]any{
			"services": []map[string]any{{"id": key.EntryID(), "active": value.Bool}},
		})
	case strings.HasPrefix(string(key), "denylist:"):
		return c.writeDenylist(ctx, key.EntryID(), value)
	}
	return fmt.Errorf("unknown policy key namespace %q: %w", key, domain.ErrRemoteRejected)
}

func (c *Client) writeDenylist(ctx context.Context, dom string, value domain.Value) error {
	current, err := c.Read(ctx, domain.DenylistKey(dom))
	if err != nil {
		return err
	}

	escaped := url.PathEscape(dom)
	switch {
	case value.Absent:
		if current.Absent {
			return nil
		}
		return c.do(ctx, http.MethodDelete, "/denylist/"+escaped, nil, nil)
	case current.Absent:
		return c.do(ctx, http.MethodPost, "/denylist", map[string]any{"id": dom, "active": value.Bool}, nil)
	default:
		return c.do(ctx, http.MethodPatch, "/denylist/"+escaped, map[string]any{"active": value.Bool}, nil)
	}
}

// --- profile overview (consolidated state endpoint) ---

// Overview is the current remote profile view returned alongside sessions.
type Overview struct {
	ProfileID       string          `json:"profile_id"`
	Name            string          `json:"name"`
	ParentalControl parentalControl `json:"parentalControl"`
	Denylist        []denyEntry     `json:"denylist"`
	Blocklists      []string        `json:"blocklists"`
}

func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	profile, err := c.fetchProfile(ctx)
	if err != nil {
		return nil, err
	}
	id, err := c.resolveProfileID(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(profile.Privacy.Blocklists))
	for _, bl := range profile.Privacy.Blocklists {
		ids = append(ids, bl.ID)
	}
	return &Overview{
		ProfileID:       id,
		Name:            profile.Name,
		ParentalControl: profile.ParentalControl,
		Denylist:        profile.Denylist,
		Blocklists:      ids,
	}, nil
}

// --- HTTP plumbing ---

func (c *Client) resolveProfileID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profileID != "" {
		return c.profileID, nil
	}

	var envelope profileListEnvelope
	if err := c.doRaw(ctx, http.MethodGet, c.baseURL+"/profiles", nil, &envelope); err != nil {
		return "", err
	}
	if len(envelope.Data) == 0 {
		return "", fmt.Errorf("no profiles returned: %w", domain.ErrRemoteRejected)
	}
	c.profileID = envelope.Data[0].ID
	return c.profileID, nil
}

func (c *Client) fetchProfile(ctx context.Context) (*profileData, error) {
	id, err := c.resolveProfileID(ctx)
	if err != nil {
		return nil, err
	}
	var envelope profileEnvelope
	if err := c.doRaw(ctx, http.MethodGet, c.baseURL+"/profiles/"+id, nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

func (c *Client) patch(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	id, err := c.resolveProfileID(ctx)
	if err != nil {
		return err
	}
	return c.doRaw(ctx, method, c.baseURL+"/profiles/"+id+path, body, out)
}

func (c *Client) doRaw(ctx context.Context, method, fullURL string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, fullURL, err, domain.ErrRemoteUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail := errorDetail(resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s %s: status %d: %s: %w", method, fullURL, resp.StatusCode, detail, domain.ErrRemoteUnavailable)
		}
		return fmt.Errorf("%s %s: status %d: %s: %w", method, fullURL, resp.StatusCode, detail, domain.ErrRemoteRejected)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %v: %w", err, domain.ErrRemoteUnavailable)
		}
	}
	return nil
}

func errorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "unknown error"
	}
	var payload struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Errors) > 0 {
		return string(payload.Errors)
	}
	return string(raw)
}

func normalizeDomain(dom string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(dom)), ".")
}
