package model

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
)

// Requester identifies who asked for a track.
type Requester struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

var (
	// SystemRequester is used for tracks restored by recovery.
	SystemRequester = Requester{ID: "system", Username: "System"}
	// AutoplayRequester marks tracks picked by the related-track search.
	AutoplayRequester = Requester{ID: "autoplay", Username: "Autoplay"}
)

// Track 可播放条目，创建后不再修改
type Track struct {
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	URI          string    `json:"uri"`
	DurationMs   int64     `json:"length"`
	ThumbnailURL string    `json:"thumbnail,omitempty"`
	SourceName   string    `json:"sourceName,omitempty"`
	Identifier   string    `json:"identifier,omitempty"`
	Requester    Requester `json:"requester"`

	// Encoded is the backend handle. It does not survive a restart and is never persisted.
	Encoded string `json:"-"`
}

// IsStream reports whether the track has no known duration.
func (t Track) IsStream() bool {
	return t.DurationMs <= 0
}

// Resolved reports whether the track carries a playable backend handle.
func (t Track) Resolved() bool {
	return t.Encoded != ""
}

// SameAuthor compares authors case-insensitively by substring, the way search results
// often decorate channel names ("Artist X - Topic", "ArtistXVEVO").
func (t Track) SameAuthor(author string) bool {
	a := strings.ToLower(strings.TrimSpace(t.Author))
	b := strings.ToLower(strings.TrimSpace(author))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// WithRequester returns a copy of the track attributed to r.
func (t Track) WithRequester(r Requester) Track {
	t.Requester = r
	return t
}

// Scan 实现 sql.Scanner 接口
func (t *Track) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		return nil
	}
	return json.Unmarshal(bytes, t)
}

// Value 实现 driver.Valuer 接口
func (t Track) Value() (driver.Value, error) {
	return json.Marshal(t)
}

// LoadType is the outcome class of a search.
type LoadType string

const (
	LoadTypeTrack    LoadType = "TRACK_LOADED"
	LoadTypePlaylist LoadType = "PLAYLIST_LOADED"
	LoadTypeNoMatch  LoadType = "NO_MATCHES"
	LoadTypeFailed   LoadType = "LOAD_FAILED"
)

// SearchResult 搜索结果
type SearchResult struct {
	LoadType     LoadType `json:"loadType"`
	Tracks       []Track  `json:"tracks"`
	PlaylistName string   `json:"playlistName,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Empty reports whether the search produced nothing playable.
func (r *SearchResult) Empty() bool {
	return r == nil || len(r.Tracks) == 0 || r.LoadType == LoadTypeNoMatch || r.LoadType == LoadTypeFailed
}
