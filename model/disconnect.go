package model

import (
	"time"
)

// Disconnect reasons written to the audit table.
const (
	ReasonPlayerDestroyed      = "player_destroyed"
	ReasonUserStop             = "user_stop"
	ReasonQueueEnd             = "queue_end"
	ReasonEmptyChannelTimeout  = "empty_channel_timeout"
	ReasonNodeDisconnect       = "node_disconnect"
	ReasonVoiceDisconnected    = "voice_disconnected"
	ReasonMaxRetriesReached    = "max_retries_reached"
	ReasonRecoverySuccessful   = "recovery_successful"
	ReasonRecoveryError        = "recovery_error"
	ReasonMaxRecoveryAttempts  = "max_recovery_attempts"
	ReasonChannelsNotFound     = "channels_not_found"
	ReasonPlayerCreationFailed = "player_creation_failed"
	ReasonTrackNotFound        = "track_not_found"
)

// DisconnectRecord 断开/恢复审计记录，只追加
type DisconnectRecord struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	GuildID        string    `json:"guildId" gorm:"size:32;index:idx_guild_created;not null"`
	Reason         string    `json:"reason" gorm:"size:64;index;not null"`
	VoiceChannelID string    `json:"voiceChannelId,omitempty" gorm:"size:32"`
	TextChannelID  string    `json:"textChannelId,omitempty" gorm:"size:32"`
	CurrentTrack   *Track    `json:"currentTrack,omitempty" gorm:"type:json"`
	Position       int64     `json:"position"`
	QueueLength    int       `json:"queueLength"`
	WasPlaying     bool      `json:"wasPlaying"`
	RetryAttempts  int       `json:"retryAttempts,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty" gorm:"type:text"`
	CreatedAt      time.Time `json:"timestamp" gorm:"index:idx_guild_created"`
}

// TableName 指定表名
func (DisconnectRecord) TableName() string {
	return "disconnect_records"
}
