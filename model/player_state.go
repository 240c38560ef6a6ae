package model

import (
	"time"
)

// LoopMode 循环模式
type LoopMode string

const (
	LoopNone  LoopMode = "none"
	LoopTrack LoopMode = "track"
	LoopQueue LoopMode = "queue"
)

// ParseLoopMode falls back to LoopNone for unknown values.
func ParseLoopMode(s string) LoopMode {
	switch LoopMode(s) {
	case LoopTrack:
		return LoopTrack
	case LoopQueue:
		return LoopQueue
	default:
		return LoopNone
	}
}

const (
	DefaultVolume          = 80
	DefaultEqualizerPreset = "flat"
)

// PersistedPlayerState 播放器可恢复状态（Redis 存储）
type PersistedPlayerState struct {
	GuildID         string    `json:"guildId"`
	VoiceChannelID  string    `json:"voiceChannelId"`
	TextChannelID   string    `json:"textChannelId"`
	Volume          int       `json:"volume"`
	Paused          bool      `json:"paused"`
	Playing         bool      `json:"playing"`
	Autoplay        bool      `json:"autoplay"`
	Loop            LoopMode  `json:"loop"`
	EqualizerPreset string    `json:"equalizerPreset"`
	CurrentTrack    *Track    `json:"currentTrack,omitempty"`
	Position        int64     `json:"position"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
	Active          bool      `json:"active"`
}

// Expired reports whether the record is too old to recover.
func (s *PersistedPlayerState) Expired(now time.Time, maxAge time.Duration) bool {
	return s.LastUpdatedAt.IsZero() || now.Sub(s.LastUpdatedAt) > maxAge
}

// PersistedQueue 队列快照
type PersistedQueue struct {
	GuildID       string    `json:"guildId"`
	Tracks        []Track   `json:"tracks"`
	TotalTracks   int       `json:"totalTracks"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// PreviousTrack is one entry of a guild's play history.
type PreviousTrack struct {
	Track
	PlayedAt time.Time `json:"playedAt"`
}
