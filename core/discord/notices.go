package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"QFMBot/core/player"
	"QFMBot/logger"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// MessageSender is the part of *discordgo.Session the notice sink uses.
type MessageSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

const (
	colorInfo    = 0x5865F2
	colorSuccess = 0x57F287
	colorWarn    = 0xFEE75C
	colorError   = 0xED4245
)

// EmbedSink posts notices as embeds, throttled per text channel.
type EmbedSink struct {
	sender MessageSender
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEmbedSink allows one message every interval per channel with the given burst.
func NewEmbedSink(sender MessageSender, interval time.Duration, burst int) *EmbedSink {
	if burst <= 0 {
		burst = 1
	}
	return &EmbedSink{
		sender:   sender,
		limit:    rate.Every(interval),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *EmbedSink) limiter(channelID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[channelID] = l
	}
	return l
}

// Notify waits for the channel's budget and sends the embed.
func (s *EmbedSink) Notify(ctx context.Context, n player.Notice) error {
	if n.ChannelID == "" {
		return nil
	}
	if err := s.limiter(n.ChannelID).Wait(ctx); err != nil {
		return fmt.Errorf("notice throttled: %w", err)
	}
	if _, err := s.sender.ChannelMessageSendEmbed(n.ChannelID, BuildEmbed(n)); err != nil {
		logger.Debug("failed to send notice",
			logger.Guild(n.GuildID),
			logger.Channel(n.ChannelID),
			logger.ErrorField(err))
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// BuildEmbed renders a notice.
func BuildEmbed(n player.Notice) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{Color: colorInfo, Timestamp: time.Now().Format(time.RFC3339)}
	if n.Track != nil {
		e.Description = fmt.Sprintf("**%s**", n.Track.Title)
		if n.Track.Author != "" {
			e.Description += " · " + n.Track.Author
		}
		if n.Track.URI != "" {
			e.URL = n.Track.URI
		}
		if n.Track.ThumbnailURL != "" {
			e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: n.Track.ThumbnailURL}
		}
		if n.Track.Requester.Username != "" {
			e.Footer = &discordgo.MessageEmbedFooter{Text: "Requested by " + n.Track.Requester.Username}
		}
	}

	switch n.Kind {
	case player.NoticeNowPlaying:
		e.Title = "Now playing"
	case player.NoticeAutoplay:
		e.Title = "Autoplay"
		e.Color = colorSuccess
	case player.NoticeQueueEnd:
		e.Title = "Queue finished"
	case player.NoticeRecovering:
		e.Title = "Restoring playback"
		e.Color = colorWarn
	case player.NoticeRecovered:
		e.Title = "Playback restored"
		e.Color = colorSuccess
	case player.NoticeDisconnected:
		e.Title = "Voice connection lost"
		e.Color = colorWarn
	case player.NoticeLeft:
		e.Title = "Left the voice channel"
	case player.NoticeError:
		e.Title = "Playback error"
		e.Color = colorError
		if n.Tag != "" {
			e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Type", Value: n.Tag, Inline: true})
		}
	default:
		e.Title = string(n.Kind)
	}

	if n.Reason != "" {
		if e.Description != "" {
			e.Description += "\n"
		}
		e.Description += n.Reason
	}
	return e
}
