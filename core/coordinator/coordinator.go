package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"QFMBot/config"
	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"
)

const (
	opTimeout  = 15 * time.Second
	mailboxCap = 128
)

// Store is the persistence the coordinator writes to. persistence.Adapter
// implements it.
type Store interface {
	SaveState(ctx context.Context, snap player.Snapshot) error
	MarkInactive(ctx context.Context, guildID string) error
	DeleteQueue(ctx context.Context, guildID string) error
	AuditSnapshot(ctx context.Context, snap player.Snapshot, reason string, cause error) error
	PushPreviousTrack(ctx context.Context, guildID string, t model.Track) error
	ArchiveSnapshot(ctx context.Context, snap player.Snapshot, reason string) error
}

// SocketHandler receives voice socket closures reported by the backend.
type SocketHandler interface {
	OnSocketClosed(guildID string, code int, reason string, byRemote bool)
}

// mailbox serializes the work for one guild. Every field but ch is only
// touched by the mailbox goroutine.
type mailbox struct {
	ch     chan func()
	failed bool
	done   bool

	// replay is the loop-track replay whose start has not been seen yet.
	replay   *model.Track
	replayAt time.Time
}

// Coordinator turns backend events into player transitions. Work for a guild
// runs on that guild's mailbox goroutine, in arrival order.
type Coordinator struct {
	players *player.Manager
	store   Store
	notices player.NoticeSink
	cfg     config.PlayerConfig

	socketMu sync.RWMutex
	socket   SocketHandler

	rngMu sync.Mutex
	rng   *rand.Rand

	boxes     sync.Map // guildID -> *mailbox
	closed    chan struct{}
	closeOnce sync.Once
}

// New 创建播放事件协调器
func New(players *player.Manager, store Store, notices player.NoticeSink, cfg config.PlayerConfig) *Coordinator {
	if notices == nil {
		notices = player.LogSink{}
	}
	if cfg.AutoplayCandidates <= 0 {
		cfg.AutoplayCandidates = 5
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	return &Coordinator{
		players: players,
		store:   store,
		notices: notices,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		closed:  make(chan struct{}),
	}
}

// Attach registers the coordinator as the player listener and the backend
// event handler.
func (c *Coordinator) Attach() {
	c.players.SetListener(c)
	c.players.Backend().SetEventHandler(c)
}

// SetSocketHandler installs the receiver for voice socket closures.
func (c *Coordinator) SetSocketHandler(h SocketHandler) {
	c.socketMu.Lock()
	c.socket = h
	c.socketMu.Unlock()
}

// Close stops every mailbox goroutine. Pending work is dropped.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// SaveAll persists every live player. Called on shutdown so recovery can
// resume them.
func (c *Coordinator) SaveAll(ctx context.Context) {
	for _, p := range c.players.List() {
		if !p.Alive() {
			continue
		}
		if err := c.store.SaveState(ctx, p.Snapshot()); err != nil {
			logger.Warn("failed to save player state", logger.Guild(p.GuildID()), logger.ErrorField(err))
		}
	}
}

// ========== 调度 ==========

func (c *Coordinator) dispatch(guildID string, fn func(mb *mailbox)) {
	v, loaded := c.boxes.LoadOrStore(guildID, &mailbox{ch: make(chan func(), mailboxCap)})
	mb := v.(*mailbox)
	if !loaded {
		go c.runMailbox(guildID, mb)
	}

	job := func() { fn(mb) }
	select {
	case mb.ch <- job:
	case <-c.closed:
	default:
		logger.Warn("guild mailbox full, queueing asynchronously", logger.Guild(guildID))
		go func() {
			select {
			case mb.ch <- job:
			case <-c.closed:
			}
		}()
	}
}

func (c *Coordinator) runMailbox(guildID string, mb *mailbox) {
	for {
		select {
		case <-c.closed:
			return
		case job := <-mb.ch:
			c.run(guildID, job)
			if mb.done {
				c.drain(guildID, mb)
				return
			}
		}
	}
}

// drain runs the jobs that were queued before the mailbox was dropped.
func (c *Coordinator) drain(guildID string, mb *mailbox) {
	for {
		select {
		case job := <-mb.ch:
			c.run(guildID, job)
		default:
			return
		}
	}
}

// dropMailbox removes the guild's mailbox once its player is gone. A player
// created again for the guild gets a fresh one.
func (c *Coordinator) dropMailbox(guildID string) {
	c.dispatch(guildID, func(mb *mailbox) {
		if p := c.players.Lookup(guildID); p != nil && p.Alive() {
			return
		}
		if c.boxes.CompareAndDelete(guildID, mb) {
			mb.done = true
		}
	})
}

// mailboxes reports how many guild mailboxes are running.
func (c *Coordinator) mailboxes() int {
	n := 0
	c.boxes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Coordinator) run(guildID string, job func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("playback handler panicked", logger.Guild(guildID), logger.Any("panic", r))
		}
	}()
	job()
}

// withPlayer dispatches fn for the guild's live player, if any.
func (c *Coordinator) withPlayer(guildID string, fn func(p *player.Player, mb *mailbox)) {
	if c.players.Lookup(guildID) == nil {
		return
	}
	c.dispatch(guildID, func(mb *mailbox) {
		p := c.players.Lookup(guildID)
		if p == nil || !p.Alive() {
			return
		}
		fn(p, mb)
	})
}

// sleep waits d unless the player is destroyed first.
func sleep(p *player.Player, d time.Duration) bool {
	if d <= 0 {
		return p.Alive()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return p.Alive()
	case <-p.Done():
		return false
	}
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// ========== 后端事件 ==========

func (c *Coordinator) OnTrackStart(guildID string, track model.Track) {
	c.withPlayer(guildID, func(p *player.Player, mb *mailbox) {
		mb.replay = nil
		c.handleTrackStart(p, track)
	})
}

func (c *Coordinator) OnTrackEnd(guildID string, track model.Track, reason player.EndReason) {
	c.withPlayer(guildID, func(p *player.Player, mb *mailbox) {
		ctx, cancel := opContext()
		defer cancel()
		c.handleTrackEnd(ctx, p, mb, track, reason)
	})
}

func (c *Coordinator) OnTrackException(guildID string, track model.Track, message string) {
	c.withPlayer(guildID, func(p *player.Player, mb *mailbox) {
		mb.failed = true
		logger.Warn("track exception",
			logger.Guild(guildID),
			logger.String("track", track.Title),
			logger.String("message", message))

		err := player.NewError(player.KindBackendTransient, "play", guildID, fmt.Errorf("%q: %s", track.Title, message))
		c.notify(p, player.ErrorNotice(guildID, p.TextChannelID(), err))
	})
}

// OnTrackStuck stops the stuck track; the resulting end event is handled as a failure.
func (c *Coordinator) OnTrackStuck(guildID string, track model.Track, threshold time.Duration) {
	c.withPlayer(guildID, func(p *player.Player, mb *mailbox) {
		mb.failed = true
		logger.Warn("track stuck",
			logger.Guild(guildID),
			logger.String("track", track.Title),
			logger.Duration("threshold", threshold))

		ctx, cancel := opContext()
		defer cancel()
		if err := c.players.Backend().Stop(ctx, guildID); err != nil {
			logger.Warn("failed to stop stuck track", logger.Guild(guildID), logger.ErrorField(err))
		}
	})
}

func (c *Coordinator) OnPlayerUpdate(guildID string, positionMs int64, connected bool) {
	p := c.players.Lookup(guildID)
	if p == nil || !p.Alive() {
		return
	}
	p.UpdatePosition(positionMs)
}

func (c *Coordinator) OnSocketClosed(guildID string, code int, reason string, byRemote bool) {
	c.socketMu.RLock()
	h := c.socket
	c.socketMu.RUnlock()
	if h != nil {
		h.OnSocketClosed(guildID, code, reason, byRemote)
	}
}

func (c *Coordinator) OnNodeStatus(ready bool, resumed bool) {
	if ready {
		logger.Info("playback node ready", logger.Bool("resumed", resumed))
		return
	}
	logger.Warn("playback node unavailable")
}

// ========== 播放器事件 ==========

// PlayerEnqueued cancels a pending queue-end leave.
func (c *Coordinator) PlayerEnqueued(p *player.Player) {
	if p.Timers().Cancel(player.TimerLeaveOnEnd) {
		logger.Debug("queue-end leave cancelled by enqueue", logger.Guild(p.GuildID()))
	}
	p.Guards().Clear(player.QueueEndInProgress | player.SuppressAutoplay)
}

func (c *Coordinator) PlayerPaused(p *player.Player, paused bool) {
	c.saveAsync(p)
}

// QueueEnded is raised by Play on an empty queue.
func (c *Coordinator) QueueEnded(p *player.Player) {
	c.withPlayer(p.GuildID(), func(p *player.Player, _ *mailbox) {
		c.queueEnd(p)
	})
}

// PlayerDestroyed marks the stored state inactive and records why the
// session ended.
func (c *Coordinator) PlayerDestroyed(p *player.Player, reason string, last player.Snapshot) {
	guildID := p.GuildID()
	ctx, cancel := opContext()
	defer cancel()

	if err := c.store.MarkInactive(ctx, guildID); err != nil {
		logger.Warn("failed to mark player state inactive", logger.Guild(guildID), logger.ErrorField(err))
	}
	if err := c.store.DeleteQueue(ctx, guildID); err != nil {
		logger.Warn("failed to delete stored queue", logger.Guild(guildID), logger.ErrorField(err))
	}
	// 语音适配器放弃重连时已带重试次数写入审计
	if reason != model.ReasonMaxRetriesReached {
		if err := c.store.AuditSnapshot(ctx, last, reason, nil); err != nil {
			logger.Warn("failed to write disconnect record", logger.Guild(guildID), logger.ErrorField(err))
		}
	}
	if err := c.store.ArchiveSnapshot(ctx, last, reason); err != nil {
		logger.Warn("failed to archive player snapshot", logger.Guild(guildID), logger.ErrorField(err))
	}

	c.dropMailbox(guildID)
	logger.Info("player destroyed", logger.Guild(guildID), logger.String("reason", reason))
}

// ========== 开始播放 ==========

func (c *Coordinator) handleTrackStart(p *player.Player, track model.Track) {
	p.UpdatePosition(0)

	p.Timers().After(player.TimerStartGrace, c.cfg.StartGraceDelay, func() {
		c.withPlayer(p.GuildID(), func(p *player.Player, _ *mailbox) {
			c.confirmStart(p)
		})
	})

	if !p.Timers().Has(player.TimerStateSave) {
		p.Timers().Every(player.TimerStateSave, c.cfg.SaveInterval, func() {
			if p.Playing() {
				c.saveAsync(p)
			}
		})
	}
}

// confirmStart runs once the start grace has passed and the track is still playing.
func (c *Coordinator) confirmStart(p *player.Player) {
	if !p.Playing() {
		return
	}
	guildID := p.GuildID()

	if prev := p.ConfirmStart(); prev != nil {
		c.pushPrevious(guildID, *prev)
	}
	c.saveAsync(p)

	cur := p.Current()
	if cur == nil {
		return
	}
	if p.Guards().TestAndSet(player.SendingNowPlaying) {
		return
	}
	defer p.Guards().Clear(player.SendingNowPlaying)
	c.notify(p, player.Notice{
		GuildID:   guildID,
		ChannelID: p.TextChannelID(),
		Kind:      player.NoticeNowPlaying,
		Track:     cur,
	})
}

// ========== 播放结束 ==========

func sameTrack(a, b model.Track) bool {
	if a.Identifier != "" && b.Identifier != "" {
		return a.Identifier == b.Identifier
	}
	return a.URI == b.URI
}

func (c *Coordinator) handleTrackEnd(ctx context.Context, p *player.Player, mb *mailbox, ended model.Track, reason player.EndReason) {
	guildID := p.GuildID()
	guards := p.Guards()
	failed := mb.failed
	mb.failed = false

	if reason == player.EndCleanup {
		return
	}
	if guards.IsSet(player.ManualPrevious) {
		guards.ClearAfter(p.Timers(), c.cfg.GuardClearDelay, player.ManualPrevious)
		return
	}
	if reason == player.EndReplaced {
		return
	}

	cur := p.Current()
	if cur == nil || !sameTrack(*cur, ended) {
		logger.Debug("ignoring end of a track that is no longer current",
			logger.Guild(guildID),
			logger.String("track", ended.Title))
		return
	}

	if mb.replay != nil {
		replay := *mb.replay
		fresh := time.Since(mb.replayAt) < c.cfg.GuardClearDelay
		mb.replay = nil
		if fresh && !failed && reason == player.EndFinished && sameTrack(replay, ended) {
			logger.Debug("duplicate end before loop replay started", logger.Guild(guildID), logger.String("track", ended.Title))
			return
		}
	}

	manual := guards.IsSet(player.ManualSkip)
	if manual {
		if guards.TestAndSet(player.ManualSkipHandled) {
			logger.Debug("duplicate end after manual skip ignored", logger.Guild(guildID))
			return
		}
		guards.ClearAfter(p.Timers(), c.cfg.GuardClearDelay, player.ManualSkip|player.ManualSkipHandled)
	}

	pos := p.Position()
	p.MarkEnded()

	if !manual && (failed || reason == player.EndLoadFailed || pos < c.cfg.FailureThreshold.Milliseconds()) {
		c.handleFailure(ctx, p, *cur, pos)
		return
	}
	p.ResetFailures()

	replay := false
	switch p.Loop() {
	case model.LoopTrack:
		if !manual {
			_ = p.EnqueueFront(*cur)
			replay = true
		}
	case model.LoopQueue:
		_ = p.Enqueue(*cur)
	}

	if !sleep(p, c.cfg.AdvanceDelay) {
		return
	}
	if replay {
		mb.replay, mb.replayAt = cur, time.Now()
	}
	c.advance(ctx, p, *cur)
}

// handleFailure deals with a track that ended before it really started.
func (c *Coordinator) handleFailure(ctx context.Context, p *player.Player, failed model.Track, pos int64) {
	guildID := p.GuildID()
	n := p.IncFailures()
	p.DropCurrent()
	logger.Warn("track ended immediately",
		logger.Guild(guildID),
		logger.String("track", failed.Title),
		logger.Int64("position", pos),
		logger.Int("consecutiveFailures", n))

	if n >= c.cfg.MaxConsecutiveFailures {
		err := player.NewError(player.KindBackendFatal, "play", guildID,
			fmt.Errorf("%d tracks in a row failed to play", n))
		c.notify(p, player.ErrorNotice(guildID, p.TextChannelID(), err))

		p.ResetFailures()
		p.Guards().Set(player.SuppressAutoplay)
		_ = p.ClearQueue()
		c.queueEnd(p)
		return
	}

	if p.QueueLen() > 0 && !sleep(p, c.cfg.FailureBackoff) {
		return
	}
	c.advance(ctx, p, failed)
}

// advance plays the next queued track, falls back to autoplay, and finally
// ends the queue.
func (c *Coordinator) advance(ctx context.Context, p *player.Player, seed model.Track) {
	for hop := 0; hop < 2 && p.QueueLen() > 0; hop++ {
		err := p.Play(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, player.ErrPlayerNotFound) {
			return
		}
		logger.Warn("failed to play next track", logger.Guild(p.GuildID()), logger.ErrorField(err))
		if !sleep(p, c.cfg.RetryDelay) {
			return
		}
	}

	if p.QueueLen() > 0 {
		err := player.NewError(player.KindBackendTransient, "advance", p.GuildID(), errors.New("next tracks could not be started"))
		c.notify(p, player.ErrorNotice(p.GuildID(), p.TextChannelID(), err))
		return
	}

	if p.Autoplay() && !p.Guards().IsSet(player.SuppressAutoplay) && c.autoplay(ctx, p, seed) {
		return
	}
	c.queueEnd(p)
}

// ========== 队列结束 ==========

// queueEnd runs once per exhaustion of the queue.
func (c *Coordinator) queueEnd(p *player.Player) {
	guards := p.Guards()
	if guards.TestAndSet(player.QueueEndInProgress) {
		return
	}
	guildID := p.GuildID()
	guards.Set(player.SuppressAutoplay)
	guards.Clear(player.ManualSkip | player.ManualSkipHandled | player.ManualPrevious)
	p.Timers().CancelExcept(player.TimerStateSave, player.TimerLeaveOnEmpty)

	logger.Info("queue ended", logger.Guild(guildID), logger.Bool("leaveOnEnd", c.cfg.LeaveOnEnd))
	c.notify(p, player.Notice{GuildID: guildID, ChannelID: p.TextChannelID(), Kind: player.NoticeQueueEnd})
	if prev := p.RetireFinished(); prev != nil {
		c.pushPrevious(guildID, *prev)
	}
	c.saveAsync(p)

	if !c.cfg.LeaveOnEnd {
		guards.Clear(player.QueueEndInProgress | player.SuppressAutoplay)
		return
	}
	p.Timers().After(player.TimerLeaveOnEnd, c.cfg.LeaveOnEndDelay, func() {
		c.withPlayer(guildID, func(p *player.Player, _ *mailbox) {
			c.leaveOnEnd(p)
		})
	})
}

func (c *Coordinator) leaveOnEnd(p *player.Player) {
	if p.Playing() || p.QueueLen() > 0 {
		p.Guards().Clear(player.QueueEndInProgress | player.SuppressAutoplay)
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := p.Destroy(ctx, model.ReasonQueueEnd); err != nil && !errors.Is(err, player.ErrPlayerNotFound) {
		logger.Warn("failed to leave after queue end", logger.Guild(p.GuildID()), logger.ErrorField(err))
	}
}

// ========== 辅助 ==========

func (c *Coordinator) pushPrevious(guildID string, t model.Track) {
	go func() {
		ctx, cancel := opContext()
		defer cancel()
		if err := c.store.PushPreviousTrack(ctx, guildID, t); err != nil {
			logger.Warn("failed to record previous track", logger.Guild(guildID), logger.ErrorField(err))
		}
	}()
}

func (c *Coordinator) saveAsync(p *player.Player) {
	if !p.Alive() {
		return
	}
	snap := p.Snapshot()
	go func() {
		ctx, cancel := opContext()
		defer cancel()
		if err := c.store.SaveState(ctx, snap); err != nil {
			logger.Warn("failed to save player state", logger.Guild(snap.GuildID), logger.ErrorField(err))
			return
		}
		// a destroy that raced the save must win
		if !p.Alive() {
			_ = c.store.MarkInactive(ctx, snap.GuildID)
		}
	}()
}

func (c *Coordinator) notify(p *player.Player, n player.Notice) {
	if n.ChannelID == "" {
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := c.notices.Notify(ctx, n); err != nil {
		logger.Warn("failed to send notice",
			logger.Guild(p.GuildID()),
			logger.String("kind", string(n.Kind)),
			logger.ErrorField(err))
	}
}

func (c *Coordinator) intn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Intn(n)
}
