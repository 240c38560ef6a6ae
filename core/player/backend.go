package player

import (
	"context"
	"time"

	"QFMBot/model"
)

// EndReason is why the backend stopped a track.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// Backend is the audio streaming service the player drives. Every call is
// scoped to a guild; implementations keep their own per-guild handles.
type Backend interface {
	// Connect joins the voice channel for the guild.
	Connect(ctx context.Context, guildID, voiceChannelID string) error
	// Play starts a resolved track, replacing whatever is playing.
	Play(ctx context.Context, guildID string, track model.Track, volume int) error
	Stop(ctx context.Context, guildID string) error
	Pause(ctx context.Context, guildID string, paused bool) error
	Seek(ctx context.Context, guildID string, positionMs int64) error
	SetVolume(ctx context.Context, guildID string, volume int) error
	SetEqualizer(ctx context.Context, guildID string, bands Bands) error
	// Destroy releases the backend player and leaves voice.
	Destroy(ctx context.Context, guildID string) error

	Search(ctx context.Context, query string, requester model.Requester) (*model.SearchResult, error)
	// Resolve turns a stored track into one with a playable handle.
	Resolve(ctx context.Context, track model.Track) (model.Track, error)

	SetEventHandler(h EventHandler)
}

// EventHandler receives backend lifecycle events. Calls may arrive on the
// backend's read goroutine and must not block.
type EventHandler interface {
	OnTrackStart(guildID string, track model.Track)
	OnTrackEnd(guildID string, track model.Track, reason EndReason)
	OnTrackException(guildID string, track model.Track, message string)
	OnTrackStuck(guildID string, track model.Track, threshold time.Duration)
	OnPlayerUpdate(guildID string, positionMs int64, connected bool)
	OnSocketClosed(guildID string, code int, reason string, byRemote bool)
	OnNodeStatus(ready bool, resumed bool)
}
