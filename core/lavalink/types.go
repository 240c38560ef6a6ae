package lavalink

import (
	"encoding/json"

	"QFMBot/model"
)

// ========== 轨道 ==========

type trackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	SourceName string `json:"sourceName"`
}

type apiTrack struct {
	Encoded string    `json:"encoded"`
	Info    trackInfo `json:"info"`
}

func (t apiTrack) toModel(r model.Requester) model.Track {
	length := t.Info.Length
	if t.Info.IsStream {
		length = 0
	}
	return model.Track{
		Title:        t.Info.Title,
		Author:       t.Info.Author,
		URI:          t.Info.URI,
		DurationMs:   length,
		ThumbnailURL: t.Info.ArtworkURL,
		SourceName:   t.Info.SourceName,
		Identifier:   t.Info.Identifier,
		Requester:    r,
		Encoded:      t.Encoded,
	}
}

// ========== loadtracks ==========

type loadException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

type playlistData struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
	Tracks []apiTrack `json:"tracks"`
}

// loadResult is the /v4/loadtracks response. Data depends on LoadType.
type loadResult struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// ========== websocket ==========

type incoming struct {
	Op        string `json:"op"`
	GuildID   string `json:"guildId"`
	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`
	Type      string `json:"type"`

	State *struct {
		Time      int64 `json:"time"`
		Position  int64 `json:"position"`
		Connected bool  `json:"connected"`
		Ping      int64 `json:"ping"`
	} `json:"state"`

	Track     *apiTrack `json:"track"`
	Reason    string    `json:"reason"`
	Exception *struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	} `json:"exception"`
	ThresholdMs int64 `json:"thresholdMs"`
	Code        int   `json:"code"`
	ByRemote    bool  `json:"byRemote"`
	Players     int   `json:"players"`
	Playing     int   `json:"playingPlayers"`
}

// ========== REST 请求体 ==========

type voiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

func (v voiceState) complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

type encodedTrack struct {
	// nil encodes as JSON null, which stops the player.
	Encoded *string `json:"encoded"`
}

type equalizerBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

type filters struct {
	Equalizer []equalizerBand `json:"equalizer"`
}

// playerUpdate is the PATCH body for a session player. Nil fields are left untouched.
type playerUpdate struct {
	Track    *encodedTrack `json:"track,omitempty"`
	Position *int64        `json:"position,omitempty"`
	Volume   *int          `json:"volume,omitempty"`
	Paused   *bool         `json:"paused,omitempty"`
	Filters  *filters      `json:"filters,omitempty"`
	Voice    *voiceState   `json:"voice,omitempty"`
}

type sessionUpdate struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}
