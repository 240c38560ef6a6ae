package voice

import (
	"context"
	"errors"
	"time"

	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"
)

// Listeners counts the non-bot members of a voice channel.
type Listeners interface {
	ListenerCount(guildID, channelID string) int
}

// EmptyChannelWatcher leaves voice channels nobody is listening in.
type EmptyChannelWatcher struct {
	players   *player.Manager
	listeners Listeners
	notices   player.NoticeSink
	delay     time.Duration
}

func NewEmptyChannelWatcher(players *player.Manager, listeners Listeners, notices player.NoticeSink, delay time.Duration) *EmptyChannelWatcher {
	if notices == nil {
		notices = player.LogSink{}
	}
	return &EmptyChannelWatcher{players: players, listeners: listeners, notices: notices, delay: delay}
}

// Check re-evaluates the guild after a voice state change. An empty channel
// arms the leave timer; a listener coming back cancels it.
func (w *EmptyChannelWatcher) Check(guildID string) {
	p := w.players.Lookup(guildID)
	if p == nil || !p.Alive() {
		return
	}

	if w.listeners.ListenerCount(guildID, p.VoiceChannelID()) > 0 {
		if p.Timers().Cancel(player.TimerLeaveOnEmpty) {
			logger.Info("listener rejoined, staying in voice", logger.Guild(guildID))
		}
		return
	}
	if p.Timers().Has(player.TimerLeaveOnEmpty) {
		return
	}

	logger.Info("voice channel empty, leaving soon",
		logger.Guild(guildID),
		logger.Duration("delay", w.delay))
	p.Timers().After(player.TimerLeaveOnEmpty, w.delay, func() {
		w.leave(p)
	})
}

func (w *EmptyChannelWatcher) leave(p *player.Player) {
	guildID := p.GuildID()
	if !p.Alive() || w.listeners.ListenerCount(guildID, p.VoiceChannelID()) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ch := p.TextChannelID(); ch != "" {
		n := player.Notice{GuildID: guildID, ChannelID: ch, Kind: player.NoticeLeft, Reason: "voice channel empty"}
		if err := w.notices.Notify(ctx, n); err != nil {
			logger.Debug("failed to send leave notice", logger.Guild(guildID), logger.ErrorField(err))
		}
	}
	if err := p.Destroy(ctx, model.ReasonEmptyChannelTimeout); err != nil && !errors.Is(err, player.ErrPlayerNotFound) {
		logger.Warn("failed to leave empty channel", logger.Guild(guildID), logger.ErrorField(err))
	}
}
