package player

import (
	"context"
	"sync"
	"time"

	"QFMBot/model"
)

type fakeBackend struct {
	mu        sync.Mutex
	played    []model.Track
	stops     int
	pauses    []bool
	seeks     []int64
	volumes   []int
	bands     []Bands
	destroyed int
	connected map[string]string

	playErr    error
	connectErr error
	handler    EventHandler
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{connected: make(map[string]string)}
}

func (b *fakeBackend) Connect(_ context.Context, guildID, voiceChannelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected[guildID] = voiceChannelID
	return nil
}

func (b *fakeBackend) Play(_ context.Context, _ string, t model.Track, _ int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.playErr != nil {
		return b.playErr
	}
	b.played = append(b.played, t)
	return nil
}

func (b *fakeBackend) Stop(context.Context, string) error {
	b.mu.Lock()
	b.stops++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Pause(_ context.Context, _ string, paused bool) error {
	b.mu.Lock()
	b.pauses = append(b.pauses, paused)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Seek(_ context.Context, _ string, pos int64) error {
	b.mu.Lock()
	b.seeks = append(b.seeks, pos)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) SetVolume(_ context.Context, _ string, v int) error {
	b.mu.Lock()
	b.volumes = append(b.volumes, v)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) SetEqualizer(_ context.Context, _ string, bands Bands) error {
	b.mu.Lock()
	b.bands = append(b.bands, bands)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Destroy(context.Context, string) error {
	b.mu.Lock()
	b.destroyed++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Search(context.Context, string, model.Requester) (*model.SearchResult, error) {
	return &model.SearchResult{LoadType: model.LoadTypeNoMatch}, nil
}

func (b *fakeBackend) Resolve(_ context.Context, t model.Track) (model.Track, error) {
	t.Encoded = "enc:" + t.Identifier
	return t, nil
}

func (b *fakeBackend) SetEventHandler(h EventHandler) { b.handler = h }

func (b *fakeBackend) playedTitles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.played))
	for i, t := range b.played {
		out[i] = t.Title
	}
	return out
}

type recordingListener struct {
	mu         sync.Mutex
	enqueued   int
	paused     []bool
	queueEnded int
	destroyed  []string
}

func (l *recordingListener) PlayerEnqueued(*Player) {
	l.mu.Lock()
	l.enqueued++
	l.mu.Unlock()
}

func (l *recordingListener) PlayerPaused(_ *Player, paused bool) {
	l.mu.Lock()
	l.paused = append(l.paused, paused)
	l.mu.Unlock()
}

func (l *recordingListener) QueueEnded(*Player) {
	l.mu.Lock()
	l.queueEnded++
	l.mu.Unlock()
}

func (l *recordingListener) PlayerDestroyed(_ *Player, reason string, _ Snapshot) {
	l.mu.Lock()
	l.destroyed = append(l.destroyed, reason)
	l.mu.Unlock()
}

func track(title, id string) model.Track {
	return model.Track{Title: title, Author: "Artist", URI: "https://example.com/" + id, Identifier: id, DurationMs: int64(3 * time.Minute / time.Millisecond)}
}
