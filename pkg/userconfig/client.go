// Package userconfig fetches per-user configuration overlays from a sidecar
// HTTP service, keyed by forge login. Overlays let individual users adjust
// model choice and planning behavior without touching the deployment config.
package userconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/forgeworks/drover/pkg/config"
)

// Overlay is the subset of configuration a user may override.
type Overlay struct {
	Model           string `json:"model,omitempty"`
	PlanningEnabled *bool  `json:"planning_enabled,omitempty"`
	MaxSubtasks     int    `json:"max_subtasks,omitempty"`
}

// Client fetches overlays with a per-login TTL cache. A sidecar outage
// degrades to the deployment defaults rather than failing tasks.
type Client struct {
	cfg        *config.UserConfigConfig
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time // test seam
}

type cacheEntry struct {
	overlay   *Overlay
	fetchedAt time.Time
}

// NewClient creates a client. Returns nil when the feature is disabled,
// which Get treats as "no overlay".
func NewClient(cfg *config.UserConfigConfig) *Client {
	if cfg == nil || !cfg.Enabled || cfg.BaseURL == "" {
		return nil
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		cache:      make(map[string]cacheEntry),
		now:        time.Now,
	}
}

// Get returns the overlay for a login, or nil when there is none. Errors are
// logged, not returned; the overlay is best-effort by design.
func (c *Client) Get(ctx context.Context, login string) *Overlay {
	if c == nil || login == "" {
		return nil
	}

	c.mu.Lock()
	if entry, ok := c.cache[login]; ok && c.now().Sub(entry.fetchedAt) < c.cfg.CacheTTL() {
		c.mu.Unlock()
		return entry.overlay
	}
	c.mu.Unlock()

	overlay, err := c.fetch(ctx, login)
	if err != nil {
		slog.Warn("User config fetch failed", "user", login, "error", err)
		return nil
	}

	c.mu.Lock()
	c.cache[login] = cacheEntry{overlay: overlay, fetchedAt: c.now()}
	c.mu.Unlock()
	return overlay
}

func (c *Client) fetch(ctx context.Context, login string) (*Overlay, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/users/" + url.PathEscape(login) + "/config"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// No overlay for this user; cache the absence.
		return nil, nil
	default:
		return nil, fmt.Errorf("sidecar returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var overlay Overlay
	if err := json.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing overlay: %w", err)
	}
	return &overlay, nil
}

// Apply copies a user overlay onto a per-task config clone. The deployment
// config itself is never mutated.
func Apply(cfg *config.Config, overlay *Overlay) *config.Config {
	if overlay == nil {
		return cfg
	}
	clone := *cfg

	if overlay.Model != "" {
		llmCopy := *cfg.LLM
		providers := make(map[string]config.LLMProviderConfig, len(cfg.LLM.Providers))
		for k, v := range cfg.LLM.Providers {
			providers[k] = v
		}
		if p, ok := providers[llmCopy.Provider]; ok {
			p.Model = overlay.Model
			providers[llmCopy.Provider] = p
		}
		llmCopy.Providers = providers
		clone.LLM = &llmCopy
	}

	if overlay.PlanningEnabled != nil || overlay.MaxSubtasks > 0 {
		planCopy := *cfg.Planning
		if overlay.PlanningEnabled != nil {
			planCopy.Enabled = *overlay.PlanningEnabled
		}
		if overlay.MaxSubtasks > 0 {
			planCopy.MaxSubtasks = overlay.MaxSubtasks
		}
		clone.Planning = &planCopy
	}
	return &clone
}
