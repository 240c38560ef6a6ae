package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"QFMBot/config"
	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"

	"github.com/google/uuid"
)

// seekMinimum is the position below which a resumed track starts from zero.
const seekMinimum = 1000

// Store is the persisted state recovery reads and retires. persistence.Adapter
// implements it.
type Store interface {
	ListActive(ctx context.Context) ([]*model.PersistedPlayerState, error)
	LoadState(ctx context.Context, guildID string) (*model.PersistedPlayerState, error)
	LoadQueue(ctx context.Context, guildID string) (*model.PersistedQueue, error)
	MarkInactive(ctx context.Context, guildID string) error
	DeleteQueue(ctx context.Context, guildID string) error
	Audit(ctx context.Context, rec *model.DisconnectRecord) error
	CleanupStale(ctx context.Context) (int64, error)
}

// Guilds answers questions about the chat platform's guilds.
type Guilds interface {
	HasChannel(guildID, channelID string) bool
	// ListenerCount returns the number of non-bot members in a voice channel.
	ListenerCount(guildID, channelID string) int
}

// Status of one guild's recovery.
type Status string

const (
	StatusRecovered Status = "recovered"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome describes what happened to one guild.
type Outcome struct {
	GuildID  string `json:"guildId"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Tracks   int    `json:"tracks"`
	Attempts int    `json:"attempts"`
}

// Summary of a recovery run.
type Summary struct {
	RunID     string    `json:"runId"`
	Outcomes  []Outcome `json:"outcomes"`
	Recovered int       `json:"recovered"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch o.Status {
	case StatusRecovered:
		s.Recovered++
	case StatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Orchestrator rebuilds players from persisted state after a restart.
type Orchestrator struct {
	players *player.Manager
	store   Store
	guilds  Guilds
	notices player.NoticeSink
	cfg     config.RecoveryConfig

	mu       sync.Mutex
	attempts map[string]int
}

// New 创建崩溃恢复编排器
func New(players *player.Manager, store Store, guilds Guilds, notices player.NoticeSink, cfg config.RecoveryConfig) *Orchestrator {
	if notices == nil {
		notices = player.LogSink{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{
		players:  players,
		store:    store,
		guilds:   guilds,
		notices:  notices,
		cfg:      cfg,
		attempts: make(map[string]int),
	}
}

// Run recovers every active guild, one at a time.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: uuid.New().String()}

	if err := wait(ctx, o.cfg.StartupDelay); err != nil {
		return summary, err
	}

	if n, err := o.store.CleanupStale(ctx); err != nil {
		logger.Warn("failed to prune stale player states", logger.ErrorField(err))
	} else if n > 0 {
		logger.Info("pruned stale player states", logger.Int64("count", n))
	}

	states, err := o.store.ListActive(ctx)
	if err != nil {
		return summary, player.NewError(player.KindRecovery, "list active", "", err)
	}
	logger.Info("starting recovery",
		logger.String("run", summary.RunID),
		logger.Int("guilds", len(states)))

	for i, state := range states {
		if i > 0 {
			if err := wait(ctx, o.cfg.GuildGap); err != nil {
				return summary, err
			}
		}
		summary.add(o.recover(ctx, state, nil))
	}

	logger.Info("recovery finished",
		logger.String("run", summary.RunID),
		logger.Int("recovered", summary.Recovered),
		logger.Int("skipped", summary.Skipped),
		logger.Int("failed", summary.Failed))
	return summary, nil
}

// RecoverGuild recovers a single guild on demand with a fresh attempt budget.
func (o *Orchestrator) RecoverGuild(ctx context.Context, guildID string) (Outcome, error) {
	state, err := o.store.LoadState(ctx, guildID)
	if err != nil {
		return Outcome{GuildID: guildID, Status: StatusFailed}, player.NewError(player.KindRecovery, "recover", guildID, err)
	}
	if state == nil {
		return Outcome{GuildID: guildID, Status: StatusSkipped, Reason: "no recoverable state"}, nil
	}

	o.resetAttempts(guildID)
	return o.recover(ctx, state, nil), nil
}

// Attempts returns how many recovery attempts the guild has used.
func (o *Orchestrator) Attempts(guildID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[guildID]
}

func (o *Orchestrator) nextAttempt(guildID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[guildID]++
	return o.attempts[guildID]
}

func (o *Orchestrator) resetAttempts(guildID string) {
	o.mu.Lock()
	delete(o.attempts, guildID)
	o.mu.Unlock()
}

// ========== 单个服务器 ==========

// recover retries attempt until it succeeds, is skipped, or the attempt
// budget runs out.
func (o *Orchestrator) recover(ctx context.Context, state *model.PersistedPlayerState, queue *model.PersistedQueue) Outcome {
	guildID := state.GuildID

	if queue == nil {
		q, err := o.store.LoadQueue(ctx, guildID)
		if err != nil {
			logger.Warn("failed to load stored queue", logger.Guild(guildID), logger.ErrorField(err))
		}
		queue = q
	}

	for {
		n := o.nextAttempt(guildID)
		if n > o.cfg.MaxAttempts {
			logger.Warn("giving up recovery", logger.Guild(guildID), logger.Int("attempts", n-1))
			o.audit(ctx, state, queue, model.ReasonMaxRecoveryAttempts, nil, n-1)
			o.retire(ctx, guildID, false)
			return Outcome{GuildID: guildID, Status: StatusFailed, Reason: model.ReasonMaxRecoveryAttempts, Attempts: n - 1}
		}

		out, err := o.attempt(ctx, state, queue)
		out.GuildID = guildID
		out.Attempts = n
		if err == nil {
			if out.Status == StatusRecovered {
				o.resetAttempts(guildID)
			}
			return out
		}

		reason := model.ReasonRecoveryError
		if player.KindOf(err) == player.KindConnection {
			reason = model.ReasonPlayerCreationFailed
		}
		logger.Warn("recovery attempt failed",
			logger.Guild(guildID),
			logger.Int("attempt", n),
			logger.ErrorField(err))
		o.audit(ctx, state, queue, reason, err, n)

		if ctx.Err() != nil {
			return Outcome{GuildID: guildID, Status: StatusFailed, Reason: ctx.Err().Error(), Attempts: n}
		}
		if n < o.cfg.MaxAttempts {
			if err := wait(ctx, o.cfg.RetryDelay*time.Duration(n)); err != nil {
				return Outcome{GuildID: guildID, Status: StatusFailed, Reason: err.Error(), Attempts: n}
			}
		}
	}
}

// attempt performs one recovery. A nil error with a skipped outcome means the
// guild should not be retried.
func (o *Orchestrator) attempt(ctx context.Context, state *model.PersistedPlayerState, queue *model.PersistedQueue) (Outcome, error) {
	guildID := state.GuildID

	if !o.guilds.HasChannel(guildID, state.VoiceChannelID) || !o.guilds.HasChannel(guildID, state.TextChannelID) {
		logger.Info("recovery skipped, channels not found", logger.Guild(guildID))
		o.audit(ctx, state, queue, model.ReasonChannelsNotFound, nil, 0)
		o.retire(ctx, guildID, false)
		return Outcome{Status: StatusSkipped, Reason: model.ReasonChannelsNotFound}, nil
	}

	if p := o.players.Lookup(guildID); p != nil && p.Alive() {
		logger.Info("recovery skipped, player already active",
			logger.Guild(guildID),
			logger.String("state", p.State().String()))
		return Outcome{Status: StatusSkipped, Reason: "player already active"}, nil
	}

	// 队列播完后保存的空闲状态不需要恢复
	if !state.Playing && (queue == nil || len(queue.Tracks) == 0) {
		logger.Info("recovery skipped, player was idle", logger.Guild(guildID))
		o.retire(ctx, guildID, true)
		return Outcome{Status: StatusSkipped, Reason: reasonNothingToResume}, nil
	}

	if o.guilds.ListenerCount(guildID, state.VoiceChannelID) == 0 {
		o.notify(state, player.NoticeRecovering, "waiting for listeners to rejoin")
		if err := wait(ctx, o.cfg.EmptyChannelWait); err != nil {
			return Outcome{Status: StatusFailed}, err
		}
		if o.guilds.ListenerCount(guildID, state.VoiceChannelID) == 0 {
			logger.Info("recovery skipped, voice channel empty", logger.Guild(guildID))
			o.audit(ctx, state, queue, model.ReasonRecoveryError, errors.New("voice channel empty"), 0)
			o.retire(ctx, guildID, true)
			return Outcome{Status: StatusSkipped, Reason: "voice channel empty"}, nil
		}
	}

	tracks, resumeCurrent := o.resolveAll(ctx, state, queue)
	if len(tracks) == 0 {
		o.audit(ctx, state, queue, model.ReasonTrackNotFound, nil, 0)
		o.retire(ctx, guildID, true)
		return Outcome{Status: StatusSkipped, Reason: model.ReasonTrackNotFound}, nil
	}

	volume := state.Volume
	if volume < 0 || volume > 100 {
		volume = model.DefaultVolume
	}
	p, err := o.players.Create(ctx, guildID, state.VoiceChannelID, state.TextChannelID, volume)
	if err != nil {
		if player.IsAlreadyExists(err) {
			return Outcome{Status: StatusSkipped, Reason: "player already active"}, nil
		}
		return Outcome{Status: StatusFailed}, err
	}

	if err := o.restore(ctx, p, state, tracks, resumeCurrent); err != nil {
		if derr := p.Destroy(ctx, model.ReasonPlayerDestroyed); derr != nil && !errors.Is(derr, player.ErrPlayerNotFound) {
			logger.Warn("failed to tear down half-recovered player", logger.Guild(guildID), logger.ErrorField(derr))
		}
		return Outcome{Status: StatusFailed}, err
	}

	o.audit(ctx, state, queue, model.ReasonRecoverySuccessful, nil, 0)
	o.notify(state, player.NoticeRecovered, "")
	logger.Info("player recovered",
		logger.Guild(guildID),
		logger.Int("tracks", len(tracks)),
		logger.Bool("resumed", resumeCurrent))
	return Outcome{Status: StatusRecovered, Tracks: len(tracks)}, nil
}

// restore reapplies settings, refills the queue and resumes playback.
func (o *Orchestrator) restore(ctx context.Context, p *player.Player, state *model.PersistedPlayerState, tracks []model.Track, resumeCurrent bool) error {
	guildID := p.GuildID()

	if err := p.SetLoop(model.ParseLoopMode(string(state.Loop))); err != nil {
		return err
	}
	if err := p.SetAutoplay(state.Autoplay); err != nil {
		return err
	}
	if preset := state.EqualizerPreset; preset != "" && preset != model.DefaultEqualizerPreset && preset != player.CustomPreset {
		if err := p.ApplyPreset(ctx, preset); err != nil {
			logger.Warn("failed to restore equalizer", logger.Guild(guildID), logger.String("preset", preset), logger.ErrorField(err))
		}
	}

	if err := p.Enqueue(tracks...); err != nil {
		return err
	}
	if err := p.Play(ctx); err != nil {
		return err
	}

	if err := wait(ctx, o.cfg.SeekSettle); err != nil {
		return err
	}
	if resumeCurrent && state.Position > seekMinimum {
		if err := p.Seek(ctx, state.Position); err != nil {
			logger.Warn("failed to seek recovered track", logger.Guild(guildID), logger.Int64("position", state.Position), logger.ErrorField(err))
		}
	}
	if state.Paused {
		if err := p.Pause(ctx, true); err != nil {
			logger.Warn("failed to re-pause recovered player", logger.Guild(guildID), logger.ErrorField(err))
		}
	}
	return nil
}

// ========== 曲目解析 ==========

// resolveAll turns the stored current track and queue into playable tracks.
// Tracks that no longer resolve are dropped. resumeCurrent reports whether
// the first returned track is the stored current track.
func (o *Orchestrator) resolveAll(ctx context.Context, state *model.PersistedPlayerState, queue *model.PersistedQueue) ([]model.Track, bool) {
	var out []model.Track
	resumeCurrent := false

	if state.CurrentTrack != nil {
		if t, err := o.resolve(ctx, *state.CurrentTrack); err == nil {
			out = append(out, t)
			resumeCurrent = true
		} else {
			logger.Warn("failed to resolve current track", logger.Guild(state.GuildID), logger.String("track", state.CurrentTrack.Title), logger.ErrorField(err))
		}
	}
	if queue != nil {
		for _, stored := range queue.Tracks {
			t, err := o.resolve(ctx, stored)
			if err != nil {
				logger.Debug("dropping unresolvable queued track", logger.Guild(state.GuildID), logger.String("track", stored.Title))
				continue
			}
			out = append(out, t)
		}
	}
	return out, resumeCurrent
}

// resolve searches by URI first and falls back to the title.
func (o *Orchestrator) resolve(ctx context.Context, stored model.Track) (model.Track, error) {
	requester := stored.Requester
	if requester.ID == "" {
		requester = model.SystemRequester
	}

	var queries []string
	if stored.URI != "" {
		queries = append(queries, stored.URI)
	}
	if title := strings.TrimSpace(stored.Title); title != "" {
		if stored.Author != "" && !strings.EqualFold(stored.Author, "unknown") {
			title = stored.Author + " " + title
		}
		queries = append(queries, title)
	}

	backend := o.players.Backend()
	for _, q := range queries {
		res, err := backend.Search(ctx, q, requester)
		if err != nil || res.Empty() {
			continue
		}
		t := res.Tracks[0]
		t.Requester = requester
		return t, nil
	}
	return model.Track{}, fmt.Errorf("%q: %w", stored.Title, errTrackNotFound)
}

var errTrackNotFound = errors.New("track not found")

const reasonNothingToResume = "nothing to resume"

// ========== 辅助 ==========

// retire takes the stored state out of the recovery set.
func (o *Orchestrator) retire(ctx context.Context, guildID string, dropQueue bool) {
	if err := o.store.MarkInactive(ctx, guildID); err != nil {
		logger.Warn("failed to mark player state inactive", logger.Guild(guildID), logger.ErrorField(err))
	}
	if !dropQueue {
		return
	}
	if err := o.store.DeleteQueue(ctx, guildID); err != nil {
		logger.Warn("failed to delete stored queue", logger.Guild(guildID), logger.ErrorField(err))
	}
}

func (o *Orchestrator) audit(ctx context.Context, state *model.PersistedPlayerState, queue *model.PersistedQueue, reason string, cause error, attempts int) {
	rec := &model.DisconnectRecord{
		GuildID:        state.GuildID,
		Reason:         reason,
		VoiceChannelID: state.VoiceChannelID,
		TextChannelID:  state.TextChannelID,
		CurrentTrack:   state.CurrentTrack,
		Position:       state.Position,
		WasPlaying:     state.Playing,
		RetryAttempts:  attempts,
	}
	if queue != nil {
		rec.QueueLength = len(queue.Tracks)
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	if err := o.store.Audit(ctx, rec); err != nil {
		logger.Warn("failed to write recovery record", logger.Guild(state.GuildID), logger.String("reason", reason), logger.ErrorField(err))
	}
}

func (o *Orchestrator) notify(state *model.PersistedPlayerState, kind player.NoticeKind, reason string) {
	if state.TextChannelID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n := player.Notice{GuildID: state.GuildID, ChannelID: state.TextChannelID, Kind: kind, Reason: reason, Track: state.CurrentTrack}
	if err := o.notices.Notify(ctx, n); err != nil {
		logger.Debug("failed to send recovery notice", logger.Guild(state.GuildID), logger.ErrorField(err))
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
