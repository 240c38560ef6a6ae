package lavalink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"
)

// VoiceGateway sends voice join and leave requests over the Discord gateway.
type VoiceGateway interface {
	JoinVoice(ctx context.Context, guildID, channelID string) error
	LeaveVoice(ctx context.Context, guildID string) error
}

var errNoSession = errors.New("lavalink session not ready")

// DefaultSearchPrefix is used for plain-text queries.
const DefaultSearchPrefix = "ytsearch:"

type guildVoice struct {
	state voiceState
	ready chan struct{}
}

// Backend drives Lavalink on behalf of the player core.
type Backend struct {
	node    *Node
	gateway VoiceGateway

	searchPrefix   string
	connectTimeout time.Duration

	mu      sync.Mutex
	voice   map[string]*guildVoice
	handler player.EventHandler
}

// NewBackend 创建 Lavalink 播放后端
func NewBackend(node *Node, gateway VoiceGateway) *Backend {
	b := &Backend{
		node:           node,
		gateway:        gateway,
		searchPrefix:   DefaultSearchPrefix,
		connectTimeout: 10 * time.Second,
		voice:          make(map[string]*guildVoice),
	}
	node.setListener(b)
	return b
}

// SetConnectTimeout bounds how long Connect waits for Discord's voice handshake.
func (b *Backend) SetConnectTimeout(d time.Duration) {
	b.connectTimeout = d
}

func (b *Backend) SetEventHandler(h player.EventHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Backend) eventHandler() player.EventHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *Backend) session() (string, error) {
	sid := b.node.SessionID()
	if sid == "" {
		return "", errNoSession
	}
	return sid, nil
}

func (b *Backend) update(ctx context.Context, guildID string, u playerUpdate) error {
	sid, err := b.session()
	if err != nil {
		return err
	}
	return b.node.REST().UpdatePlayer(ctx, sid, guildID, u, false)
}

// ========== 语音 ==========

// Connect joins the voice channel and waits until Discord has sent both the
// voice state and voice server updates for the guild.
func (b *Backend) Connect(ctx context.Context, guildID, voiceChannelID string) error {
	gv := &guildVoice{ready: make(chan struct{})}
	b.mu.Lock()
	b.voice[guildID] = gv
	b.mu.Unlock()

	if err := b.gateway.JoinVoice(ctx, guildID, voiceChannelID); err != nil {
		b.dropVoice(guildID, gv)
		return fmt.Errorf("failed to join voice channel: %w", err)
	}

	timer := time.NewTimer(b.connectTimeout)
	defer timer.Stop()
	select {
	case <-gv.ready:
		return nil
	case <-timer.C:
		b.dropVoice(guildID, gv)
		return fmt.Errorf("voice handshake timed out after %s", b.connectTimeout)
	case <-ctx.Done():
		b.dropVoice(guildID, gv)
		return ctx.Err()
	}
}

func (b *Backend) dropVoice(guildID string, gv *guildVoice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.voice[guildID]; ok && cur == gv {
		delete(b.voice, guildID)
	}
}

// OnVoiceStateUpdate records the bot's own voice session for a guild. An empty
// channel means the bot left voice.
func (b *Backend) OnVoiceStateUpdate(guildID, channelID, sessionID string) {
	if channelID == "" {
		b.mu.Lock()
		delete(b.voice, guildID)
		b.mu.Unlock()
		return
	}
	b.mergeVoice(guildID, func(v *voiceState) { v.SessionID = sessionID })
}

// OnVoiceServerUpdate records the voice server Discord assigned to a guild.
func (b *Backend) OnVoiceServerUpdate(guildID, token, endpoint string) {
	b.mergeVoice(guildID, func(v *voiceState) {
		v.Token = token
		v.Endpoint = endpoint
	})
}

func (b *Backend) mergeVoice(guildID string, apply func(*voiceState)) {
	b.mu.Lock()
	gv, ok := b.voice[guildID]
	if !ok {
		gv = &guildVoice{ready: make(chan struct{})}
		b.voice[guildID] = gv
	}
	apply(&gv.state)
	state := gv.state
	b.mu.Unlock()

	if !state.complete() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.update(ctx, guildID, playerUpdate{Voice: &state}); err != nil {
		logger.Warn("failed to send voice update to lavalink", logger.Guild(guildID), logger.ErrorField(err))
		return
	}
	b.mu.Lock()
	select {
	case <-gv.ready:
	default:
		close(gv.ready)
	}
	b.mu.Unlock()
}

// ========== 播放 ==========

func (b *Backend) Play(ctx context.Context, guildID string, track model.Track, volume int) error {
	if !track.Resolved() {
		return fmt.Errorf("track %q has no playable handle", track.Title)
	}
	encoded := track.Encoded
	pos := int64(0)
	paused := false
	return b.update(ctx, guildID, playerUpdate{
		Track:    &encodedTrack{Encoded: &encoded},
		Position: &pos,
		Volume:   &volume,
		Paused:   &paused,
	})
}

func (b *Backend) Stop(ctx context.Context, guildID string) error {
	return b.update(ctx, guildID, playerUpdate{Track: &encodedTrack{}})
}

func (b *Backend) Pause(ctx context.Context, guildID string, paused bool) error {
	return b.update(ctx, guildID, playerUpdate{Paused: &paused})
}

func (b *Backend) Seek(ctx context.Context, guildID string, positionMs int64) error {
	return b.update(ctx, guildID, playerUpdate{Position: &positionMs})
}

func (b *Backend) SetVolume(ctx context.Context, guildID string, volume int) error {
	return b.update(ctx, guildID, playerUpdate{Volume: &volume})
}

func (b *Backend) SetEqualizer(ctx context.Context, guildID string, bands player.Bands) error {
	eq := make([]equalizerBand, 0, len(bands))
	for i, g := range bands {
		eq = append(eq, equalizerBand{Band: i, Gain: g})
	}
	return b.update(ctx, guildID, playerUpdate{Filters: &filters{Equalizer: eq}})
}

// Destroy removes the node player and leaves voice. Both steps run even if
// the first one fails.
func (b *Backend) Destroy(ctx context.Context, guildID string) error {
	var errs []error
	if sid := b.node.SessionID(); sid != "" {
		if err := b.node.REST().DestroyPlayer(ctx, sid, guildID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.gateway.LeaveVoice(ctx, guildID); err != nil {
		errs = append(errs, fmt.Errorf("failed to leave voice: %w", err))
	}

	b.mu.Lock()
	delete(b.voice, guildID)
	b.mu.Unlock()
	return errors.Join(errs...)
}

// ========== 搜索 ==========

// Search loads a URL directly and prefixes anything else with the search source.
func (b *Backend) Search(ctx context.Context, query string, requester model.Requester) (*model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &model.SearchResult{LoadType: model.LoadTypeNoMatch}, nil
	}
	return b.node.REST().LoadTracks(ctx, b.identifier(query), requester)
}

func (b *Backend) identifier(query string) string {
	if u, err := url.Parse(query); err == nil && u.Scheme != "" && u.Host != "" {
		return query
	}
	if i := strings.Index(query, ":"); i > 0 && strings.HasSuffix(query[:i], "search") {
		return query
	}
	return b.searchPrefix + query
}

// Resolve loads a playable handle for a stored track, by URI first and by
// "author title" when the URI no longer resolves.
func (b *Backend) Resolve(ctx context.Context, track model.Track) (model.Track, error) {
	if track.Resolved() {
		return track, nil
	}

	var queries []string
	if track.URI != "" {
		queries = append(queries, track.URI)
	}
	if q := strings.TrimSpace(track.Author + " " + track.Title); q != "" {
		queries = append(queries, b.searchPrefix+q)
	}

	var lastErr error
	for _, q := range queries {
		res, err := b.node.REST().LoadTracks(ctx, q, track.Requester)
		if err != nil {
			lastErr = err
			continue
		}
		if !res.Empty() {
			return res.Tracks[0].WithRequester(track.Requester), nil
		}
	}
	if lastErr != nil {
		return track, lastErr
	}
	return track, fmt.Errorf("no playable source for %q", track.Title)
}

// ========== 事件 ==========

func (b *Backend) handle(msg incoming) {
	h := b.eventHandler()
	if h == nil {
		return
	}

	switch msg.Op {
	case "ready":
		h.OnNodeStatus(true, msg.Resumed)
	case "playerUpdate":
		if msg.State != nil {
			h.OnPlayerUpdate(msg.GuildID, msg.State.Position, msg.State.Connected)
		}
	case "event":
		b.handleEvent(h, msg)
	case "stats":
		logger.Debug("lavalink stats",
			logger.Int("players", msg.Players),
			logger.Int("playing", msg.Playing))
	}
}

func (b *Backend) handleEvent(h player.EventHandler, msg incoming) {
	var track model.Track
	if msg.Track != nil {
		track = msg.Track.toModel(model.Requester{})
	}

	switch msg.Type {
	case "TrackStartEvent":
		h.OnTrackStart(msg.GuildID, track)
	case "TrackEndEvent":
		h.OnTrackEnd(msg.GuildID, track, player.EndReason(msg.Reason))
	case "TrackExceptionEvent":
		message := "unknown error"
		if msg.Exception != nil && msg.Exception.Message != "" {
			message = msg.Exception.Message
		}
		h.OnTrackException(msg.GuildID, track, message)
	case "TrackStuckEvent":
		h.OnTrackStuck(msg.GuildID, track, time.Duration(msg.ThresholdMs)*time.Millisecond)
	case "WebSocketClosedEvent":
		h.OnSocketClosed(msg.GuildID, msg.Code, msg.Reason, msg.ByRemote)
	default:
		logger.Debug("unhandled lavalink event", logger.String("type", msg.Type))
	}
}

func (b *Backend) nodeDown(err error) {
	if h := b.eventHandler(); h != nil {
		h.OnNodeStatus(false, false)
	}
}
