package coordinator

import (
	"context"
	"strings"

	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"
)

// relatedQuery builds the search used to find something like seed.
func relatedQuery(seed model.Track) string {
	if a := strings.TrimSpace(seed.Author); a != "" && !strings.EqualFold(a, "unknown") {
		return `"` + a + `" music`
	}
	return seed.Title
}

// pickRelated chooses a track from results. Copies of seed are dropped, tracks
// by the same author are preferred, and the choice is random among the first
// n candidates.
func pickRelated(results []model.Track, seed model.Track, n int, intn func(int) int) (model.Track, bool) {
	var candidates, sameAuthor []model.Track
	for _, t := range results {
		if isSameRecording(t, seed) {
			continue
		}
		candidates = append(candidates, t)
		if t.SameAuthor(seed.Author) {
			sameAuthor = append(sameAuthor, t)
		}
	}

	pool := candidates
	if len(sameAuthor) > 0 {
		pool = sameAuthor
	}
	if len(pool) == 0 {
		return model.Track{}, false
	}
	if n > 0 && len(pool) > n {
		pool = pool[:n]
	}
	return pool[intn(len(pool))], true
}

func isSameRecording(t, seed model.Track) bool {
	if t.Identifier != "" && t.Identifier == seed.Identifier {
		return true
	}
	if t.URI != "" && t.URI == seed.URI {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(t.Title), strings.TrimSpace(seed.Title)) && t.SameAuthor(seed.Author)
}

// autoplay enqueues and plays a track related to seed. It reports whether
// playback was handed off, which includes the case where the player went
// away during the search.
func (c *Coordinator) autoplay(ctx context.Context, p *player.Player, seed model.Track) bool {
	guildID := p.GuildID()
	query := relatedQuery(seed)
	if query == "" {
		return false
	}

	res, err := c.players.Backend().Search(ctx, query, model.AutoplayRequester)
	if err != nil {
		logger.Warn("autoplay search failed", logger.Guild(guildID), logger.String("query", query), logger.ErrorField(err))
		return false
	}
	if res.Empty() {
		logger.Debug("autoplay found nothing", logger.Guild(guildID), logger.String("query", query))
		return false
	}

	pick, ok := pickRelated(res.Tracks, seed, c.cfg.AutoplayCandidates, c.intn)
	if !ok {
		return false
	}
	if !p.Alive() {
		logger.Debug("player destroyed during autoplay search", logger.Guild(guildID))
		return true
	}

	if err := p.Enqueue(pick.WithRequester(model.AutoplayRequester)); err != nil {
		return !p.Alive()
	}
	if err := p.Play(ctx); err != nil {
		logger.Warn("failed to start autoplay track", logger.Guild(guildID), logger.ErrorField(err))
		_ = p.ClearQueue()
		return !p.Alive()
	}

	logger.Info("autoplay queued related track",
		logger.Guild(guildID),
		logger.String("seed", seed.Title),
		logger.String("track", pick.Title))
	c.notify(p, player.Notice{
		GuildID:   guildID,
		ChannelID: p.TextChannelID(),
		Kind:      player.NoticeAutoplay,
		Track:     &pick,
	})
	return true
}
