package comfyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/aescanero/comfyrt/pkg/protocol"
)

// Queue is the server's running and pending work
type Queue struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// SystemStats describes the server host and its devices
type SystemStats struct {
	System  map[string]json.RawMessage   `json:"system"`
	Devices []map[string]json.RawMessage `json:"devices"`
}

// GetPromptStatus fetches the queue status used by the polling fallback
func (c *Client) GetPromptStatus(ctx context.Context) (*protocol.Status, error) {
	var status protocol.Status
	if err := c.getJSON(ctx, "/prompt", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PostPrompt sends a prompt request and returns the raw answer. Non-200
// statuses are not treated as errors here; the caller interprets the body.
func (c *Client) PostPrompt(ctx context.Context, body any) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal prompt: %w", err)
	}

	resp, err := c.Fetch(ctx, http.MethodPost, "/prompt", bytes.NewReader(data), "application/json")
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read prompt response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// GetExtensions lists extension script URLs
func (c *Client) GetExtensions(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, "/extensions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetEmbeddings lists embedding names
func (c *Client) GetEmbeddings(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, "/embeddings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNodeDefs returns the node definition catalog keyed by node class
func (c *Client) GetNodeDefs(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.getJSON(ctx, "/object_info", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetQueue returns running and pending prompts
func (c *Client) GetQueue(ctx context.Context) (*Queue, error) {
	var q Queue
	if err := c.getJSON(ctx, "/queue", &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetHistory returns up to maxItems history entries keyed by prompt id
func (c *Client) GetHistory(ctx context.Context, maxItems int) (map[string]json.RawMessage, error) {
	if maxItems <= 0 {
		maxItems = 200
	}
	var out map[string]json.RawMessage
	if err := c.getJSON(ctx, "/history?max_items="+strconv.Itoa(maxItems), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSystemStats returns host and device information
func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	var stats SystemStats
	if err := c.getJSON(ctx, "/system_stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// DeleteItem removes one entry from the queue or history
func (c *Client) DeleteItem(ctx context.Context, list, id string) error {
	return c.sendJSON(ctx, http.MethodPost, "/"+list, map[string]any{"delete": []string{id}}, nil)
}

// ClearItems empties the queue or history
func (c *Client) ClearItems(ctx context.Context, list string) error {
	return c.sendJSON(ctx, http.MethodPost, "/"+list, map[string]any{"clear": true}, nil)
}

// Interrupt stops the running prompt. An empty promptID interrupts
// whatever is executing.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	body := map[string]any{}
	if promptID != "" {
		body["prompt_id"] = promptID
	}
	return c.sendJSON(ctx, http.MethodPost, "/interrupt", body, nil)
}

// GetSettings returns all user settings
func (c *Client) GetSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.getJSON(ctx, "/settings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSetting returns one setting value
func (c *Client) GetSetting(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.getJSON(ctx, "/settings/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreSettings stores several settings
func (c *Client) StoreSettings(ctx context.Context, settings map[string]any) error {
	return c.sendJSON(ctx, http.MethodPost, "/settings", settings, nil)
}

// StoreSetting stores one setting
func (c *Client) StoreSetting(ctx context.Context, id string, value any) error {
	return c.sendJSON(ctx, http.MethodPost, "/settings/"+url.PathEscape(id), value, nil)
}

// GetLogs returns the server log as text
func (c *Client) GetLogs(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.InternalURL("/logs"), nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Method: http.MethodGet, Route: "/internal/logs", StatusCode: resp.StatusCode, Body: data}
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return string(data), nil
	}
	return text, nil
}

// SubscribeLogs asks the server to stream log entries to clientID over
// the realtime channel.
func (c *Client) SubscribeLogs(ctx context.Context, clientID string, enabled bool) error {
	data, err := json.Marshal(map[string]any{"enabled": enabled, "clientId": clientID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, c.InternalURL("/logs/subscribe"), bytes.NewReader(data), "application/json")
	if err != nil {
		return err
	}
	return decodeResponse(resp, http.MethodPatch, "/internal/logs/subscribe", nil)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
