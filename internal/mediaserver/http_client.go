package mediaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a media-server adapter over a small REST surface:
// POST {base}/users and GET {base}/libraries, authenticated by a bearer
// token. Vendor-specific translation lives in the adapter, not here;
// this client only carries the capability contract over the wire.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds a client for one server. A zero timeout
// defaults to 15 seconds.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateAccount implements Client.
func (c *HTTPClient) CreateAccount(ctx context.Context, profile DesiredProfile) (AccountRef, error) {
	body, err := json.Marshal(profile)
	if err != nil {
		return AccountRef{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users", bytes.NewReader(body))
	if err != nil {
		return AccountRef{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return AccountRef{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AccountRef{}, ErrAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusInsufficientStorage:
		return AccountRef{}, ErrQuotaExceeded
	case resp.StatusCode >= 500:
		return AccountRef{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		return AccountRef{}, fmt.Errorf("media server: unexpected status %d", resp.StatusCode)
	}

	var ref AccountRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return AccountRef{}, fmt.Errorf("media server: decode response: %w", err)
	}
	return ref, nil
}

// ListLibraries implements Client.
func (c *HTTPClient) ListLibraries(ctx context.Context) ([]Library, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/libraries", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthFailed
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("media server: unexpected status %d", resp.StatusCode)
	}

	var libs []Library
	if err := json.NewDecoder(resp.Body).Decode(&libs); err != nil {
		return nil, fmt.Errorf("media server: decode response: %w", err)
	}
	return libs, nil
}

// FetchHistory implements HistorySource via GET {base}/history.
func (c *HTTPClient) FetchHistory(ctx context.Context, from, to time.Time, offset, limit int) ([]HistoryEntry, error) {
	url := fmt.Sprintf("%s/history?from=%s&to=%s&offset=%d&limit=%d",
		c.baseURL, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), offset, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthFailed
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("media server: unexpected status %d", resp.StatusCode)
	}

	var entries []HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("media server: decode response: %w", err)
	}
	return entries, nil
}
