package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"QFMBot/config"
	"QFMBot/core/player"
	"QFMBot/core/voice"
	"QFMBot/model"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== fakes ==========

type nopBackend struct{}

func (nopBackend) Connect(context.Context, string, string) error                  { return nil }
func (nopBackend) Play(context.Context, string, model.Track, int) error          { return nil }
func (nopBackend) Stop(context.Context, string) error                            { return nil }
func (nopBackend) Pause(context.Context, string, bool) error                     { return nil }
func (nopBackend) Seek(context.Context, string, int64) error                     { return nil }
func (nopBackend) SetVolume(context.Context, string, int) error                  { return nil }
func (nopBackend) SetEqualizer(context.Context, string, player.Bands) error      { return nil }
func (nopBackend) Destroy(context.Context, string) error                         { return nil }
func (nopBackend) SetEventHandler(player.EventHandler)                           {}
func (nopBackend) Resolve(_ context.Context, t model.Track) (model.Track, error) { return t, nil }
func (nopBackend) Search(context.Context, string, model.Requester) (*model.SearchResult, error) {
	return &model.SearchResult{LoadType: model.LoadTypeNoMatch}, nil
}

type voiceRecorder struct {
	mu      sync.Mutex
	states  []string
	servers []string
}

func (r *voiceRecorder) OnVoiceStateUpdate(guildID, channelID, sessionID string) {
	r.mu.Lock()
	r.states = append(r.states, guildID+"/"+channelID+"/"+sessionID)
	r.mu.Unlock()
}

func (r *voiceRecorder) OnVoiceServerUpdate(guildID, token, endpoint string) {
	r.mu.Lock()
	r.servers = append(r.servers, guildID+"/"+token+"/"+endpoint)
	r.mu.Unlock()
}

type countingTransport struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingTransport) Rejoin(_ context.Context, guildID, channelID string) error {
	c.mu.Lock()
	c.calls = append(c.calls, guildID+"/"+channelID)
	c.mu.Unlock()
	return nil
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type sentMessage struct {
	channel string
	embed   *discordgo.MessageEmbed
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentMessage{channel: channelID, embed: embed})
	return &discordgo.Message{ChannelID: channelID}, nil
}

// ========== 状态 ==========

func newState(t *testing.T, voiceStates ...*discordgo.VoiceState) *discordgo.Session {
	t.Helper()
	st := discordgo.NewState()
	st.User = &discordgo.User{ID: "bot", Username: "QFMBot", Bot: true}

	g := &discordgo.Guild{
		ID: "g1",
		Members: []*discordgo.Member{
			{GuildID: "g1", User: &discordgo.User{ID: "u1", Username: "alice"}},
			{GuildID: "g1", User: &discordgo.User{ID: "u2", Username: "bob"}},
			{GuildID: "g1", User: &discordgo.User{ID: "other-bot", Username: "dj", Bot: true}},
		},
		VoiceStates: voiceStates,
	}
	require.NoError(t, st.GuildAdd(g))
	require.NoError(t, st.ChannelAdd(&discordgo.Channel{ID: "v1", GuildID: "g1", Type: discordgo.ChannelTypeGuildVoice}))
	require.NoError(t, st.ChannelAdd(&discordgo.Channel{ID: "v2", GuildID: "g1", Type: discordgo.ChannelTypeGuildVoice}))
	require.NoError(t, st.ChannelAdd(&discordgo.Channel{ID: "t1", GuildID: "g1", Type: discordgo.ChannelTypeGuildText}))
	return &discordgo.Session{State: st}
}

func vs(userID, channelID string) *discordgo.VoiceState {
	return &discordgo.VoiceState{GuildID: "g1", UserID: userID, ChannelID: channelID}
}

// ========== Directory ==========

func TestDirectoryHasChannel(t *testing.T) {
	d := NewDirectory(newState(t))
	assert.True(t, d.HasChannel("g1", "v1"))
	assert.True(t, d.HasChannel("g1", "t1"))
	assert.False(t, d.HasChannel("g2", "v1"))
	assert.False(t, d.HasChannel("g1", "missing"))
	assert.False(t, d.HasChannel("g1", ""))
}

func TestDirectoryListenerCount(t *testing.T) {
	s := newState(t, vs("bot", "v1"), vs("u1", "v1"), vs("other-bot", "v1"), vs("u2", "v2"))
	d := NewDirectory(s)
	assert.Equal(t, 1, d.ListenerCount("g1", "v1"))
	assert.Equal(t, 1, d.ListenerCount("g1", "v2"))
	assert.Equal(t, 0, d.ListenerCount("g1", "t1"))
	assert.Equal(t, 0, d.ListenerCount("unknown", "v1"))
}

// ========== Bot ==========

type botEnv struct {
	bot       *Bot
	session   *discordgo.Session
	manager   *player.Manager
	player    *player.Player
	events    *voiceRecorder
	transport *countingTransport
	adapter   *voice.Adapter
}

func newBotEnv(t *testing.T, voiceStates ...*discordgo.VoiceState) *botEnv {
	t.Helper()
	s := newState(t, voiceStates...)
	m := player.NewManager(nopBackend{})
	p, err := m.Create(context.Background(), "g1", "v1", "t1", 80)
	require.NoError(t, err)

	tr := &countingTransport{}
	adapter := voice.NewAdapter(tr, nil, config.VoiceConfig{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond})
	t.Cleanup(adapter.ClearAll)
	empty := voice.NewEmptyChannelWatcher(m, NewDirectory(s), nil, time.Hour)

	rec := &voiceRecorder{}
	b := NewBot(s)
	b.Attach(m, rec, adapter, empty)
	return &botEnv{bot: b, session: s, manager: m, player: p, events: rec, transport: tr, adapter: adapter}
}

func voiceUpdate(userID, channelID, sessionID string) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "g1", UserID: userID, ChannelID: channelID, SessionID: sessionID}}
}

func TestOwnVoiceStateStartsWatch(t *testing.T) {
	e := newBotEnv(t, vs("u1", "v1"))

	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("bot", "v1", "sess"))

	assert.Equal(t, []string{"g1/v1/sess"}, e.events.states)
	assert.True(t, e.adapter.Watching("g1", "v1"))
	assert.False(t, e.player.Timers().Has(player.TimerLeaveOnEmpty))
}

func TestOwnDisconnectTriggersRejoin(t *testing.T) {
	e := newBotEnv(t, vs("u1", "v1"))
	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("bot", "v1", "sess"))

	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("bot", "", ""))

	assert.Eventually(t, func() bool { return e.transport.count() >= 1 }, time.Second, time.Millisecond)
	e.transport.mu.Lock()
	first := e.transport.calls[0]
	e.transport.mu.Unlock()
	assert.Equal(t, "g1/v1", first)
}

func TestDestroyedPlayerLeaveIsIgnored(t *testing.T) {
	e := newBotEnv(t, vs("u1", "v1"))
	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("bot", "v1", "sess"))
	require.NoError(t, e.player.Destroy(context.Background(), model.ReasonUserStop))

	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("bot", "", ""))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, e.transport.count())
}

func TestMovedChannelRewatches(t *testing.T) {
	e := newBotEnv(t, vs("u1", "v2"))
	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("bot", "v1", "sess"))

	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("bot", "v2", "sess"))

	assert.Equal(t, "v2", e.player.VoiceChannelID())
	assert.True(t, e.adapter.Watching("g1", "v2"))
	assert.False(t, e.adapter.Watching("g1", "v1"))
}

func TestMemberLeavingArmsEmptyTimer(t *testing.T) {
	e := newBotEnv(t)

	e.bot.onVoiceStateUpdate(e.session, voiceUpdate("u1", "", "x"))

	assert.True(t, e.player.Timers().Has(player.TimerLeaveOnEmpty))
	assert.Empty(t, e.events.states)
}

func TestVoiceServerUpdateForwarded(t *testing.T) {
	e := newBotEnv(t)
	e.bot.onVoiceServerUpdate(e.session, &discordgo.VoiceServerUpdate{GuildID: "g1", Token: "tok", Endpoint: "ep"})
	assert.Equal(t, []string{"g1/tok/ep"}, e.events.servers)
}

// ========== notices ==========

func TestEmbedSinkSends(t *testing.T) {
	sender := &fakeSender{}
	sink := NewEmbedSink(sender, time.Millisecond, 5)
	track := &model.Track{Title: "Song A", Author: "Artist A", URI: "https://youtu.be/a", Requester: model.Requester{Username: "alice"}}

	require.NoError(t, sink.Notify(context.Background(), player.Notice{GuildID: "g1", ChannelID: "t1", Kind: player.NoticeNowPlaying, Track: track}))
	require.NoError(t, sink.Notify(context.Background(), player.Notice{GuildID: "g1", ChannelID: "", Kind: player.NoticeQueueEnd}))

	require.Len(t, sender.sent, 1)
	e := sender.sent[0].embed
	assert.Equal(t, "t1", sender.sent[0].channel)
	assert.Equal(t, "Now playing", e.Title)
	assert.Contains(t, e.Description, "Song A")
	assert.Equal(t, "https://youtu.be/a", e.URL)
	assert.Equal(t, "Requested by alice", e.Footer.Text)
}

func TestEmbedSinkThrottlesPerChannel(t *testing.T) {
	sender := &fakeSender{}
	sink := NewEmbedSink(sender, time.Hour, 1)
	n := player.Notice{GuildID: "g1", ChannelID: "t1", Kind: player.NoticeQueueEnd}

	require.NoError(t, sink.Notify(context.Background(), n))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, sink.Notify(ctx, n))

	other := n
	other.ChannelID = "t2"
	assert.NoError(t, sink.Notify(context.Background(), other))
	assert.Len(t, sender.sent, 2)
}

func TestEmbedSinkSendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("missing access")}
	sink := NewEmbedSink(sender, time.Millisecond, 1)
	err := sink.Notify(context.Background(), player.Notice{ChannelID: "t1", Kind: player.NoticeLeft})
	assert.ErrorContains(t, err, "missing access")
}

func TestBuildEmbedErrorTag(t *testing.T) {
	n := player.ErrorNotice("g1", "t1", player.NewError(player.KindBackendFatal, "play", "g1", errors.New("too many failures")))
	e := BuildEmbed(n)
	assert.Equal(t, "Playback error", e.Title)
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "backend_fatal", e.Fields[0].Value)
	assert.Contains(t, e.Description, "too many failures")
}
