package discord

import (
	"context"
	"fmt"

	"QFMBot/core/player"
	"QFMBot/core/voice"
	"QFMBot/logger"

	"github.com/bwmarrin/discordgo"
)

// VoiceEvents receives the bot's own voice handshake. lavalink.Backend implements it.
type VoiceEvents interface {
	OnVoiceStateUpdate(guildID, channelID, sessionID string)
	OnVoiceServerUpdate(guildID, token, endpoint string)
}

// Bot glues the Discord gateway to the playback core.
type Bot struct {
	session *discordgo.Session

	players     *player.Manager
	voiceEvents VoiceEvents
	voice       *voice.Adapter
	empty       *voice.EmptyChannelWatcher

	ready chan struct{}
}

// NewSession creates a gateway session with the intents the player needs.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMessages
	s.StateEnabled = true
	return s, nil
}

// NewBot 创建 Discord 胶水层
func NewBot(session *discordgo.Session) *Bot {
	b := &Bot{
		session: session,
		ready:   make(chan struct{}),
	}
	session.AddHandler(b.onReady)
	return b
}

// Attach wires the playback core in once it exists. The bot has to be open
// first because the backend needs its user id. empty may be nil when
// leave-on-empty is off.
func (b *Bot) Attach(players *player.Manager, events VoiceEvents, resilience *voice.Adapter, empty *voice.EmptyChannelWatcher) {
	b.players = players
	b.voiceEvents = events
	b.voice = resilience
	b.empty = empty

	b.session.AddHandler(b.onVoiceStateUpdate)
	b.session.AddHandler(b.onVoiceServerUpdate)
}

// Open connects to the gateway and waits for the ready event.
func (b *Bot) Open(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) Close() error {
	return b.session.Close()
}

// UserID returns the bot's own user id once the session is ready.
func (b *Bot) UserID() string {
	return botID(b.session)
}

func botID(s *discordgo.Session) string {
	if s == nil || s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	logger.Info("discord session ready",
		logger.String("user", r.User.Username),
		logger.Int("guilds", len(r.Guilds)))
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
}

// ========== 语音网关 ==========

// JoinVoice asks Discord to move the bot into a voice channel, self-deafened.
func (b *Bot) JoinVoice(_ context.Context, guildID, channelID string) error {
	return b.session.ChannelVoiceJoinManual(guildID, channelID, false, true)
}

// LeaveVoice disconnects the bot from voice in the guild.
func (b *Bot) LeaveVoice(_ context.Context, guildID string) error {
	return b.session.ChannelVoiceJoinManual(guildID, "", false, false)
}

// Rejoin re-sends the voice join for a dropped connection.
func (b *Bot) Rejoin(ctx context.Context, guildID, channelID string) error {
	return b.JoinVoice(ctx, guildID, channelID)
}

// ========== 语音事件 ==========

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || b.players == nil {
		return
	}
	if v.UserID == botID(s) {
		b.handleOwnVoiceState(v.GuildID, v.ChannelID, v.SessionID)
		return
	}
	if b.empty != nil && b.players.Lookup(v.GuildID) != nil {
		b.empty.Check(v.GuildID)
	}
}

func (b *Bot) handleOwnVoiceState(guildID, channelID, sessionID string) {
	if b.voiceEvents != nil {
		b.voiceEvents.OnVoiceStateUpdate(guildID, channelID, sessionID)
	}

	// destroyed players are unregistered before they leave voice
	p := b.players.Lookup(guildID)
	if p == nil || b.voice == nil {
		return
	}
	watched := p.VoiceChannelID()

	if channelID == "" {
		b.voice.OnStateChange(guildID, watched, voice.StateDisconnected)
		return
	}

	if channelID != watched {
		logger.Info("bot moved to another voice channel",
			logger.Guild(guildID),
			logger.String("from", watched),
			logger.Channel(channelID))
		b.voice.ClearHandlers(guildID, watched)
		p.SetVoiceChannel(channelID)
		watched = channelID
	}
	if !b.voice.Watching(guildID, watched) {
		b.voice.Watch(guildID, watched, p)
	}
	b.voice.OnStateChange(guildID, watched, voice.StateSignalling)

	if b.empty != nil {
		b.empty.Check(guildID)
	}
}

func (b *Bot) onVoiceServerUpdate(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	if b.players == nil {
		return
	}
	if b.voiceEvents != nil {
		b.voiceEvents.OnVoiceServerUpdate(v.GuildID, v.Token, v.Endpoint)
	}
	if p := b.players.Lookup(v.GuildID); p != nil && b.voice != nil {
		b.voice.OnStateChange(v.GuildID, p.VoiceChannelID(), voice.StateConnecting)
	}
}
