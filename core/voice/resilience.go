package voice

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"QFMBot/config"
	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"
)

// ConnState is the state of a guild's voice connection as seen by the gateway.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateSignalling
	StateConnecting
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSignalling:
		return "signalling"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// recovering reports whether s means the connection is on its way back.
func (s ConnState) recovering() bool {
	return s == StateSignalling || s == StateConnecting || s == StateReady
}

// Voice close codes that mean the bot lost its connection.
const (
	CloseSessionInvalid  = 4006
	CloseSessionTimeout  = 4009
	CloseDisconnected    = 4014
	CloseVoiceServerDown = 4015
)

// Transport asks the gateway to rejoin a voice channel.
type Transport interface {
	Rejoin(ctx context.Context, guildID, channelID string) error
}

// Auditor records disconnects. persistence.Adapter implements it.
type Auditor interface {
	AuditSnapshot(ctx context.Context, snap player.Snapshot, reason string, cause error) error
	AuditRetries(ctx context.Context, snap player.Snapshot, reason string, retries int) error
}

type handler struct {
	guildID   string
	channelID string
	player    *player.Player
	states    chan ConnState
	stop      chan struct{}

	attempts     int
	reconnecting bool
}

// Adapter keeps voice connections alive. When a watched connection drops it
// rejoins with exponential backoff and destroys the player after too many
// failures.
type Adapter struct {
	transport Transport
	audit     Auditor
	cfg       config.VoiceConfig

	mu       sync.Mutex
	handlers map[string]*handler

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewAdapter 创建语音连接恢复适配器
func NewAdapter(transport Transport, audit Auditor, cfg config.VoiceConfig) *Adapter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Adapter{
		transport: transport,
		audit:     audit,
		cfg:       cfg,
		handlers:  make(map[string]*handler),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func handlerKey(guildID, channelID string) string {
	return guildID + "_" + channelID
}

// Watch starts tracking the voice connection of p. The registration is
// dropped when p is destroyed.
func (a *Adapter) Watch(guildID, channelID string, p *player.Player) {
	key := handlerKey(guildID, channelID)
	h := &handler{
		guildID:   guildID,
		channelID: channelID,
		player:    p,
		states:    make(chan ConnState, 8),
		stop:      make(chan struct{}),
	}

	a.mu.Lock()
	if old, ok := a.handlers[key]; ok {
		close(old.stop)
	}
	a.handlers[key] = h
	a.mu.Unlock()

	go func() {
		select {
		case <-p.Done():
			a.ClearHandlers(guildID, channelID)
		case <-h.stop:
		}
	}()

	logger.Debug("watching voice connection", logger.Guild(guildID), logger.Channel(channelID))
}

// OnStateChange feeds a voice state transition for the guild's channel.
func (a *Adapter) OnStateChange(guildID, channelID string, state ConnState) {
	a.mu.Lock()
	h, ok := a.handlers[handlerKey(guildID, channelID)]
	if !ok {
		a.mu.Unlock()
		return
	}
	start := state == StateDisconnected && !h.reconnecting
	if start {
		h.reconnecting = true
	}
	a.mu.Unlock()

	if start {
		go a.reconnect(h)
		return
	}
	select {
	case h.states <- state:
	default:
	}
}

// OnSocketClosed handles a voice socket closure reported by the playback backend.
func (a *Adapter) OnSocketClosed(guildID string, code int, reason string, byRemote bool) {
	switch code {
	case CloseSessionInvalid, CloseSessionTimeout, CloseDisconnected, CloseVoiceServerDown:
	default:
		logger.Debug("voice socket closed",
			logger.Guild(guildID),
			logger.Int("code", code),
			logger.String("reason", reason))
		return
	}

	logger.Warn("voice socket lost",
		logger.Guild(guildID),
		logger.Int("code", code),
		logger.String("reason", reason),
		logger.Bool("byRemote", byRemote))
	for _, channelID := range a.channelsOf(guildID) {
		a.OnStateChange(guildID, channelID, StateDisconnected)
	}
}

func (a *Adapter) channelsOf(guildID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, h := range a.handlers {
		if h.guildID == guildID {
			out = append(out, h.channelID)
		}
	}
	return out
}

// ClearHandlers stops watching the guild's channel.
func (a *Adapter) ClearHandlers(guildID, channelID string) {
	key := handlerKey(guildID, channelID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handlers[key]; ok {
		close(h.stop)
		delete(a.handlers, key)
	}
}

// ClearAll stops every watch.
func (a *Adapter) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, h := range a.handlers {
		close(h.stop)
		delete(a.handlers, key)
	}
}

// Attempts returns the failed reconnect attempts since the last success.
func (a *Adapter) Attempts(guildID, channelID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handlers[handlerKey(guildID, channelID)]; ok {
		return h.attempts
	}
	return 0
}

func (a *Adapter) ResetAttempts(guildID, channelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handlers[handlerKey(guildID, channelID)]; ok {
		h.attempts = 0
	}
}

// Watching reports whether the guild's channel has a handler.
func (a *Adapter) Watching(guildID, channelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.handlers[handlerKey(guildID, channelID)]
	return ok
}

// ========== 重连 ==========

// Backoff returns min(base*2^attempt + jitter, max).
func Backoff(attempt int, base, max, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base*time.Duration(1<<uint(attempt)) + jitter
	if max > 0 && (d > max || d < 0) {
		d = max
	}
	return d
}

func (a *Adapter) jitter() time.Duration {
	if a.cfg.MaxJitter <= 0 {
		return 0
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return time.Duration(a.rng.Int63n(int64(a.cfg.MaxJitter) + 1))
}

func (a *Adapter) reconnect(h *handler) {
	defer func() {
		a.mu.Lock()
		h.reconnecting = false
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.stop:
			cancel()
		case <-h.player.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	snap := h.player.Snapshot()
	if a.audit != nil {
		if err := a.audit.AuditSnapshot(ctx, snap, model.ReasonVoiceDisconnected, nil); err != nil {
			logger.Warn("failed to record voice disconnect", logger.Guild(h.guildID), logger.ErrorField(err))
		}
	}

	for {
		a.mu.Lock()
		attempt := h.attempts
		a.mu.Unlock()
		if attempt >= a.cfg.MaxRetries {
			break
		}

		delay := Backoff(attempt, a.cfg.BaseDelay, a.cfg.MaxDelay, a.jitter())
		drain(h.states)
		logger.Info("rejoining voice channel",
			logger.Guild(h.guildID),
			logger.Channel(h.channelID),
			logger.Int("attempt", attempt+1),
			logger.Duration("timeout", delay))

		err := a.transport.Rejoin(ctx, h.guildID, h.channelID)
		if err == nil && a.awaitRecovery(ctx, h, delay) {
			a.mu.Lock()
			h.attempts = 0
			a.mu.Unlock()
			logger.Info("voice connection restored", logger.Guild(h.guildID), logger.Channel(h.channelID))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("voice rejoin failed", logger.Guild(h.guildID), logger.ErrorField(err))
			if !waitOrDone(ctx, delay) {
				return
			}
		}

		a.mu.Lock()
		h.attempts++
		a.mu.Unlock()
	}

	logger.Error("voice connection lost for good",
		logger.Guild(h.guildID),
		logger.Channel(h.channelID),
		logger.Int("attempts", a.cfg.MaxRetries))
	a.ClearHandlers(h.guildID, h.channelID)

	destroyCtx, cancelDestroy := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDestroy()
	if a.audit != nil {
		if err := a.audit.AuditRetries(destroyCtx, h.player.Snapshot(), model.ReasonMaxRetriesReached, a.cfg.MaxRetries); err != nil {
			logger.Warn("failed to record voice give-up", logger.Guild(h.guildID), logger.ErrorField(err))
		}
	}
	if err := h.player.Destroy(destroyCtx, model.ReasonMaxRetriesReached); err != nil && !errors.Is(err, player.ErrPlayerNotFound) {
		logger.Warn("failed to destroy player after voice loss", logger.Guild(h.guildID), logger.ErrorField(err))
	}
}

// awaitRecovery waits up to d for the connection to start coming back.
func (a *Adapter) awaitRecovery(ctx context.Context, h *handler, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case s := <-h.states:
			if s.recovering() {
				return true
			}
		case <-t.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func drain(ch chan ConnState) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func waitOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
