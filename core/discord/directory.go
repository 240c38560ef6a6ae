package discord

import (
	"github.com/bwmarrin/discordgo"
)

// Directory answers channel and listener questions from the gateway state cache.
type Directory struct {
	state *discordgo.State
	self  func() string
}

// NewDirectory 基于 session 状态缓存创建频道目录
func NewDirectory(s *discordgo.Session) *Directory {
	return &Directory{state: s.State, self: func() string { return botID(s) }}
}

// HasChannel reports whether the channel exists and belongs to the guild.
func (d *Directory) HasChannel(guildID, channelID string) bool {
	if channelID == "" {
		return false
	}
	ch, err := d.state.Channel(channelID)
	if err != nil || ch == nil {
		return false
	}
	return ch.GuildID == guildID
}

// ListenerCount counts the members in a voice channel other than bots.
func (d *Directory) ListenerCount(guildID, channelID string) int {
	g, err := d.state.Guild(guildID)
	if err != nil {
		return 0
	}

	self := d.self()
	type occupant struct {
		userID string
		member *discordgo.Member
	}
	var occupants []occupant
	d.state.RLock()
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != self {
			occupants = append(occupants, occupant{userID: vs.UserID, member: vs.Member})
		}
	}
	d.state.RUnlock()

	n := 0
	for _, o := range occupants {
		m := o.member
		if m == nil {
			m, _ = d.state.Member(guildID, o.userID)
		}
		if m != nil && m.User != nil && m.User.Bot {
			continue
		}
		n++
	}
	return n
}
