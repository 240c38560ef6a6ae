package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"
	"QFMBot/repository"
	"QFMBot/storage"
)

// StateStore holds the player state documents. cache.PlayerStateCache is the
// production implementation.
type StateStore interface {
	SetPlayerState(ctx context.Context, state *model.PersistedPlayerState) error
	GetPlayerState(ctx context.Context, guildID string) (*model.PersistedPlayerState, error)
	SetActive(ctx context.Context, guildID string, active bool) error
	SetQueue(ctx context.Context, queue *model.PersistedQueue) error
	GetQueue(ctx context.Context, guildID string) (*model.PersistedQueue, error)
	DeleteQueue(ctx context.Context, guildID string) error
	ListActiveGuilds(ctx context.Context, since time.Time) ([]string, error)
	PruneActive(ctx context.Context, before time.Time) (int64, error)
	PushHistory(ctx context.Context, guildID string, entry model.PreviousTrack) error
	GetHistory(ctx context.Context, guildID string, limit int) ([]model.PreviousTrack, error)
}

// Archive receives the final snapshot of a torn-down session.
type Archive interface {
	Archive(ctx context.Context, snap *storage.Snapshot) error
}

// Adapter serializes players to the state store and writes the disconnect
// audit. Every error it returns is classified as Persistence.
type Adapter struct {
	store   StateStore
	audit   repository.DisconnectRepository
	archive Archive
	maxAge  time.Duration
	now     func() time.Time
}

// NewAdapter 创建持久化适配器，archive 可以为 nil
func NewAdapter(store StateStore, audit repository.DisconnectRepository, archive Archive, maxAge time.Duration) *Adapter {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Adapter{
		store:   store,
		audit:   audit,
		archive: archive,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func persistenceErr(op, guildID string, err error) error {
	if err == nil {
		return nil
	}
	return player.NewError(player.KindPersistence, op, guildID, err)
}

// ========== 状态 ==========

// BuildState projects a player snapshot onto the persisted shapes. Tracks
// without a title or URI are dropped from the queue. An idle player keeps no
// current track or position, since there is nothing left to resume.
func BuildState(s player.Snapshot, now time.Time) (*model.PersistedPlayerState, *model.PersistedQueue) {
	state := &model.PersistedPlayerState{
		GuildID:         s.GuildID,
		VoiceChannelID:  s.VoiceChannelID,
		TextChannelID:   s.TextChannelID,
		Volume:          s.Volume,
		Paused:          s.Paused,
		Playing:         s.Playing,
		Autoplay:        s.Autoplay,
		Loop:            s.Loop,
		EqualizerPreset: s.EqualizerPreset,
		Position:        s.Position,
		LastUpdatedAt:   now,
		Active:          true,
	}
	if state.Loop == "" {
		state.Loop = model.LoopNone
	}
	if state.EqualizerPreset == "" {
		state.EqualizerPreset = model.DefaultEqualizerPreset
	}
	if !s.Playing {
		state.Position = 0
	} else if s.Current != nil && storable(*s.Current) {
		t := sanitize(*s.Current)
		state.CurrentTrack = &t
	}

	queue := &model.PersistedQueue{GuildID: s.GuildID, LastUpdatedAt: now}
	for _, t := range s.Queue {
		if storable(t) {
			queue.Tracks = append(queue.Tracks, sanitize(t))
		}
	}
	queue.TotalTracks = len(queue.Tracks)
	return state, queue
}

func storable(t model.Track) bool {
	return strings.TrimSpace(t.Title) != "" && strings.TrimSpace(t.URI) != ""
}

func sanitize(t model.Track) model.Track {
	t.Encoded = ""
	if t.Author == "" {
		t.Author = "Unknown"
	}
	if t.Requester.ID == "" && t.Requester.Username == "" {
		t.Requester = model.SystemRequester
	}
	return t
}

// SaveState writes the player state and its queue. An empty queue removes
// the stored queue.
func (a *Adapter) SaveState(ctx context.Context, snap player.Snapshot) error {
	state, queue := BuildState(snap, a.now())
	if err := a.store.SetPlayerState(ctx, state); err != nil {
		return persistenceErr("save state", snap.GuildID, err)
	}
	if err := a.store.SetQueue(ctx, queue); err != nil {
		return persistenceErr("save queue", snap.GuildID, err)
	}
	return nil
}

// LoadState returns the recoverable state for the guild, or nil when there is
// none, it is inactive, or it is older than the max age.
func (a *Adapter) LoadState(ctx context.Context, guildID string) (*model.PersistedPlayerState, error) {
	state, err := a.store.GetPlayerState(ctx, guildID)
	if err != nil {
		return nil, persistenceErr("load state", guildID, err)
	}
	if state == nil || !state.Active {
		return nil, nil
	}
	if state.Expired(a.now(), a.maxAge) {
		logger.Debug("ignoring expired player state",
			logger.Guild(guildID),
			logger.Duration("age", a.now().Sub(state.LastUpdatedAt)))
		return nil, nil
	}
	return state, nil
}

func (a *Adapter) LoadQueue(ctx context.Context, guildID string) (*model.PersistedQueue, error) {
	q, err := a.store.GetQueue(ctx, guildID)
	return q, persistenceErr("load queue", guildID, err)
}

// MarkInactive keeps the record but makes it ineligible for recovery.
func (a *Adapter) MarkInactive(ctx context.Context, guildID string) error {
	return persistenceErr("mark inactive", guildID, a.store.SetActive(ctx, guildID, false))
}

func (a *Adapter) DeleteQueue(ctx context.Context, guildID string) error {
	return persistenceErr("delete queue", guildID, a.store.DeleteQueue(ctx, guildID))
}

// ListActive returns every state eligible for recovery.
func (a *Adapter) ListActive(ctx context.Context) ([]*model.PersistedPlayerState, error) {
	guilds, err := a.store.ListActiveGuilds(ctx, a.now().Add(-a.maxAge))
	if err != nil {
		return nil, persistenceErr("list active", "", err)
	}

	states := make([]*model.PersistedPlayerState, 0, len(guilds))
	for _, guildID := range guilds {
		state, err := a.LoadState(ctx, guildID)
		if err != nil {
			logger.Warn("failed to load active player state", logger.Guild(guildID), logger.ErrorField(err))
			continue
		}
		if state != nil {
			states = append(states, state)
		}
	}
	return states, nil
}

// CleanupStale drops index entries older than the max age.
func (a *Adapter) CleanupStale(ctx context.Context) (int64, error) {
	n, err := a.store.PruneActive(ctx, a.now().Add(-a.maxAge))
	return n, persistenceErr("cleanup", "", err)
}

// ========== 历史 ==========

func (a *Adapter) PushPreviousTrack(ctx context.Context, guildID string, t model.Track) error {
	if !storable(t) {
		return nil
	}
	entry := model.PreviousTrack{Track: sanitize(t), PlayedAt: a.now()}
	return persistenceErr("push history", guildID, a.store.PushHistory(ctx, guildID, entry))
}

func (a *Adapter) PreviousTracks(ctx context.Context, guildID string, limit int) ([]model.PreviousTrack, error) {
	entries, err := a.store.GetHistory(ctx, guildID, limit)
	return entries, persistenceErr("history", guildID, err)
}

// ========== 审计 ==========

// Audit appends a disconnect record.
func (a *Adapter) Audit(ctx context.Context, rec *model.DisconnectRecord) error {
	if a.audit == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.now()
	}
	return persistenceErr("audit "+rec.Reason, rec.GuildID, a.audit.Create(ctx, rec))
}

// AuditSnapshot records reason for the player described by snap.
func (a *Adapter) AuditSnapshot(ctx context.Context, snap player.Snapshot, reason string, cause error) error {
	rec := RecordFromSnapshot(snap, reason)
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	return a.Audit(ctx, rec)
}

// AuditRetries records reason together with the reconnect attempts that
// were used up.
func (a *Adapter) AuditRetries(ctx context.Context, snap player.Snapshot, reason string, retries int) error {
	rec := RecordFromSnapshot(snap, reason)
	rec.RetryAttempts = retries
	return a.Audit(ctx, rec)
}

// RecordFromSnapshot builds an audit record for a player.
func RecordFromSnapshot(snap player.Snapshot, reason string) *model.DisconnectRecord {
	rec := &model.DisconnectRecord{
		GuildID:        snap.GuildID,
		Reason:         reason,
		VoiceChannelID: snap.VoiceChannelID,
		TextChannelID:  snap.TextChannelID,
		Position:       snap.Position,
		QueueLength:    len(snap.Queue),
		WasPlaying:     snap.Playing,
	}
	if snap.Current != nil {
		t := sanitize(*snap.Current)
		rec.CurrentTrack = &t
	}
	return rec
}

// History returns the most recent disconnect records for a guild.
func (a *Adapter) History(ctx context.Context, guildID string, limit int) ([]*model.DisconnectRecord, error) {
	if a.audit == nil {
		return nil, persistenceErr("history", guildID, fmt.Errorf("audit repository not configured"))
	}
	records, err := a.audit.ListByGuild(ctx, guildID, limit)
	return records, persistenceErr("history", guildID, err)
}

// ========== 归档 ==========

// ArchiveSnapshot uploads the final state of a session. It is a no-op when no
// archive is configured.
func (a *Adapter) ArchiveSnapshot(ctx context.Context, snap player.Snapshot, reason string) error {
	if a.archive == nil {
		return nil
	}
	state, queue := BuildState(snap, a.now())
	state.Active = false
	if queue.TotalTracks == 0 {
		queue = nil
	}
	err := a.archive.Archive(ctx, &storage.Snapshot{State: state, Queue: queue, Reason: reason, ArchivedAt: a.now()})
	return persistenceErr("archive", snap.GuildID, err)
}
