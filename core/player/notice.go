package player

import (
	"context"
	"errors"

	"QFMBot/logger"
	"QFMBot/model"
)

// NoticeKind is what a notice announces.
type NoticeKind string

const (
	NoticeNowPlaying   NoticeKind = "now_playing"
	NoticeQueueEnd     NoticeKind = "queue_end"
	NoticeAutoplay     NoticeKind = "autoplay"
	NoticeError        NoticeKind = "error"
	NoticeRecovering   NoticeKind = "recovering"
	NoticeRecovered    NoticeKind = "recovered"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeLeft         NoticeKind = "left"
)

// Notice is a user-facing message for a guild's text channel. Tag carries the
// error kind for NoticeError.
type Notice struct {
	GuildID   string
	ChannelID string
	Kind      NoticeKind
	Track     *model.Track
	Reason    string
	Tag       string
}

// NoticeSink delivers notices to users.
type NoticeSink interface {
	Notify(ctx context.Context, n Notice) error
}

// LogSink writes notices to the log. Used when no chat session is available.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notice) error {
	title := ""
	if n.Track != nil {
		title = n.Track.Title
	}
	logger.Info("notice",
		logger.Guild(n.GuildID),
		logger.Channel(n.ChannelID),
		logger.String("kind", string(n.Kind)),
		logger.String("track", title),
		logger.String("reason", n.Reason),
		logger.String("tag", n.Tag))
	return nil
}

// Fanout delivers every notice to each sink in order.
type Fanout []NoticeSink

func (f Fanout) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrorNotice builds the notice for a classified error.
func ErrorNotice(guildID, channelID string, err error) Notice {
	return Notice{
		GuildID:   guildID,
		ChannelID: channelID,
		Kind:      NoticeError,
		Reason:    err.Error(),
		Tag:       KindOf(err).String(),
	}
}
