package meetingbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"callpipe/internal/config"
)

// ErrRecordingNotFound marks a recording the provider no longer holds.
// Deletion treats it as success.
var ErrRecordingNotFound = errors.New("meetingbot: recording not found")

// MediaShortcut is one downloadable artifact exposed by a recording manifest.
// URLs are short-lived.
type MediaShortcut struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Manifest describes a completed recording at the provider.
type Manifest struct {
	ID             string                   `json:"id"`
	Status         string                   `json:"status"`
	MediaShortcuts map[string]MediaShortcut `json:"media_shortcuts"`
	Raw            json.RawMessage          `json:"-"`
}

// Client talks to the meeting-bot provider API with bearer-token auth.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(cfg config.Config) *Client {
	return &Client{
		baseURL: cfg.MeetingBotBaseURL,
		apiKey:  cfg.MeetingBotAPIKey,
		http:    &http.Client{Timeout: cfg.ProviderHTTPTimeout},
	}
}

// CreateBot asks the provider to join a meeting and returns the bot id.
func (c *Client) CreateBot(ctx context.Context, meetingURL string, retentionHours int) (string, error) {
	body, err := json.Marshal(map[string]any{
		"meeting_url":     meetingURL,
		"retention_hours": retentionHours,
	})
	if err != nil {
		return "", fmt.Errorf("marshal bot request: %w", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/bots", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("meetingbot: bot response missing id")
	}
	return out.ID, nil
}

// GetRecordingManifest fetches artifact shortcuts for a completed recording.
func (c *Client) GetRecordingManifest(ctx context.Context, recordingID string) (Manifest, error) {
	raw, err := c.doRaw(ctx, http.MethodGet, "/v1/recordings/"+recordingID, nil)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	m.Raw = raw
	return m, nil
}

// DeleteRecording removes the provider-held copy. A recording already gone is
// treated as success.
func (c *Client) DeleteRecording(ctx context.Context, recordingID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/recordings/"+recordingID, nil, nil)
	if errors.Is(err, ErrRecordingNotFound) {
		return nil
	}
	return err
}

// FetchArtifact streams an artifact from a short-lived manifest URL.
func (c *Client) FetchArtifact(ctx context.Context, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch artifact: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, "", fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	raw, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// doRaw performs one provider request, retrying transient failures (network
// errors and 5xx) with exponential backoff.
func (c *Client) doRaw(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrRecordingNotFound)
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		case resp.StatusCode >= http.StatusBadRequest:
			return backoff.Permanent(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data))
		}
		result = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}
