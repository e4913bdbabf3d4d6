// Package meta adapts the Meta Graph API family (WhatsApp Cloud, Messenger,
// Instagram) to the shared channel contract. One Graph client serves all
// three, since they differ only in webhook shape and send endpoint.
package meta

import (
	"bytes"
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

	"golang.org/x/time/rate"
)

const identityTTL = 15 * time.Minute

// Client is a rate-limited Graph API HTTP client. Construct one per process
// and share it across the family adapters.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	identities map[string]identityEntry
}

type identityEntry struct {
	id        string
	fetchedAt time.Time
}

func NewClient(log *slog.Logger, baseURL string, sendRatePerSec float64) *Client {
	if log == nil {
		log = slog.Default()
	}
	if sendRatePerSec <= 0 {
		sendRatePerSec = 10
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(sendRatePerSec), int(sendRatePerSec)),
		logger:     log.With(slog.String("service", "graph")),
		identities: map[string]identityEntry{},
	}
}

// graphError is the error envelope Graph returns on non-2xx responses.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Post sends one JSON request against a Graph path and decodes the response
// into out. The shared limiter paces all outbound sends.
func (c *Client) Post(ctx context.Context, path, accessToken string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read graph response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			c.forgetIdentity(accessToken)
		}
		var ge graphError
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
			return fmt.Errorf("graph %s: %s (code %d)", path, ge.Error.Message, ge.Error.Code)
		}
		return fmt.Errorf("graph %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

// Identity returns the Graph node id behind an access token, cached with a
// short TTL. An auth failure on any send drops the cached entry so the next
// call refetches against the current token state.
func (c *Client) Identity(ctx context.Context, accessToken string) (string, error) {
	c.mu.Lock()
	entry, ok := c.identities[accessToken]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < identityTTL {
		return entry.id, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	endpoint := c.baseURL + "/me?fields=id&access_token=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph identity: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("graph identity: unexpected status %d", resp.StatusCode)
	}
	var node struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return "", fmt.Errorf("decode graph identity: %w", err)
	}

	c.mu.Lock()
	c.identities[accessToken] = identityEntry{id: node.ID, fetchedAt: time.Now()}
	c.mu.Unlock()
	return node.ID, nil
}

func (c *Client) forgetIdentity(accessToken string) {
	c.mu.Lock()
	delete(c.identities, accessToken)
	c.mu.Unlock()
}
