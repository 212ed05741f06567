package comfyapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// StoreOptions controls user data writes
type StoreOptions struct {
	Overwrite bool
	FullInfo  bool
}

// UserDataInfo describes one stored file
type UserDataInfo struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
}

// GetUserData reads a user data file
func (c *Client) GetUserData(ctx context.Context, file string) ([]byte, error) {
	route := "/userdata/" + url.PathEscape(file)
	resp, err := c.Fetch(ctx, http.MethodGet, route, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodGet, Route: route, StatusCode: resp.StatusCode, Body: data}
	}
	return data, nil
}

// StoreUserData writes a user data file. With FullInfo the server answers
// with the stored file's metadata.
func (c *Client) StoreUserData(ctx context.Context, file string, data []byte, opts StoreOptions) (*UserDataInfo, error) {
	route := fmt.Sprintf("/userdata/%s?overwrite=%t&full_info=%t", url.PathEscape(file), opts.Overwrite, opts.FullInfo)
	resp, err := c.Fetch(ctx, http.MethodPost, route, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return nil, err
	}

	if !opts.FullInfo {
		return nil, decodeResponse(resp, http.MethodPost, route, nil)
	}
	var info UserDataInfo
	if err := decodeResponse(resp, http.MethodPost, route, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteUserData removes a user data file
func (c *Client) DeleteUserData(ctx context.Context, file string) error {
	route := "/userdata/" + url.PathEscape(file)
	resp, err := c.Fetch(ctx, http.MethodDelete, route, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &StatusError{Method: http.MethodDelete, Route: route, StatusCode: resp.StatusCode}
	}
	return nil
}

// MoveUserData renames a user data file
func (c *Client) MoveUserData(ctx context.Context, source, dest string, overwrite bool) error {
	route := fmt.Sprintf("/userdata/%s/move/%s?overwrite=%t", url.PathEscape(source), url.PathEscape(dest), overwrite)
	resp, err := c.Fetch(ctx, http.MethodPost, route, nil, "")
	if err != nil {
		return err
	}
	return decodeResponse(resp, http.MethodPost, route, nil)
}

// ListUserData lists files under dir. A missing directory yields no files.
func (c *Client) ListUserData(ctx context.Context, dir string, recurse bool) ([]string, error) {
	q := url.Values{}
	q.Set("dir", dir)
	q.Set("recurse", strconv.FormatBool(recurse))
	q.Set("split", "false")

	var out []string
	if err := c.getJSON(ctx, "/userdata?"+q.Encode(), &out); err != nil {
		if IsNotFound(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return out, nil
}

// ListUserDataFullInfo lists files under dir recursively with metadata
func (c *Client) ListUserDataFullInfo(ctx context.Context, dir string) ([]UserDataInfo, error) {
	q := url.Values{}
	q.Set("dir", dir)
	q.Set("recurse", "true")
	q.Set("split", "false")
	q.Set("full_info", "true")

	var out []UserDataInfo
	if err := c.getJSON(ctx, "/userdata?"+q.Encode(), &out); err != nil {
		if IsNotFound(err) {
			return []UserDataInfo{}, nil
		}
		return nil, err
	}
	return out, nil
}
