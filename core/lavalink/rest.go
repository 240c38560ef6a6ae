package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"QFMBot/model"
)

// Client talks to the node's REST API.
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
}

// NewClient 创建 REST 客户端
func NewClient(baseURL, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		password: password,
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

// SetTimeout 设置请求超时时间
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// StatusError is a non-2xx answer from the node.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lavalink %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lavalink %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// LoadTracks resolves an identifier (URL or "ytsearch:..." query) into tracks
// attributed to requester.
func (c *Client) LoadTracks(ctx context.Context, identifier string, requester model.Requester) (*model.SearchResult, error) {
	var res loadResult
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.toModel(requester)
}

func (r loadResult) toModel(requester model.Requester) (*model.SearchResult, error) {
	out := &model.SearchResult{}
	switch r.LoadType {
	case "track":
		var t apiTrack
		if err := json.Unmarshal(r.Data, &t); err != nil {
			return nil, fmt.Errorf("failed to decode track: %w", err)
		}
		out.LoadType = model.LoadTypeTrack
		out.Tracks = []model.Track{t.toModel(requester)}
	case "search":
		var ts []apiTrack
		if err := json.Unmarshal(r.Data, &ts); err != nil {
			return nil, fmt.Errorf("failed to decode search results: %w", err)
		}
		out.LoadType = model.LoadTypeTrack
		for _, t := range ts {
			out.Tracks = append(out.Tracks, t.toModel(requester))
		}
		if len(out.Tracks) == 0 {
			out.LoadType = model.LoadTypeNoMatch
		}
	case "playlist":
		var pl playlistData
		if err := json.Unmarshal(r.Data, &pl); err != nil {
			return nil, fmt.Errorf("failed to decode playlist: %w", err)
		}
		out.LoadType = model.LoadTypePlaylist
		out.PlaylistName = pl.Info.Name
		for _, t := range pl.Tracks {
			out.Tracks = append(out.Tracks, t.toModel(requester))
		}
	case "error":
		var ex loadException
		_ = json.Unmarshal(r.Data, &ex)
		out.LoadType = model.LoadTypeFailed
		out.Error = ex.Message
	default:
		out.LoadType = model.LoadTypeNoMatch
	}
	return out, nil
}

// UpdatePlayer patches the session player for a guild. noReplace keeps a
// playing track in place when the update carries a new one.
func (c *Client) UpdatePlayer(ctx context.Context, sessionID, guildID string, update playerUpdate, noReplace bool) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	if noReplace {
		path += "?noReplace=true"
	}
	return c.do(ctx, http.MethodPatch, path, update, nil)
}

func (c *Client) DestroyPlayer(ctx context.Context, sessionID, guildID string) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ConfigureResuming keeps the session's players alive on the node for timeout
// seconds after the socket drops.
func (c *Client) ConfigureResuming(ctx context.Context, sessionID string, timeout int) error {
	path := fmt.Sprintf("/v4/sessions/%s", sessionID)
	return c.do(ctx, http.MethodPatch, path, sessionUpdate{Resuming: true, Timeout: timeout}, nil)
}
