package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"QFMBot/config"
	"QFMBot/core/player"
	"QFMBot/model"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu           sync.Mutex
	played       []model.Track
	stops        int
	searches     []string
	searchResult *model.SearchResult
	handler      player.EventHandler

	// onPlay runs after a successful Play, outside the lock.
	onPlay func(t model.Track)
}

func (b *fakeBackend) Connect(context.Context, string, string) error { return nil }

func (b *fakeBackend) Play(_ context.Context, _ string, t model.Track, _ int) error {
	b.mu.Lock()
	b.played = append(b.played, t)
	hook := b.onPlay
	b.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return nil
}

func (b *fakeBackend) Stop(context.Context, string) error {
	b.mu.Lock()
	b.stops++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Pause(context.Context, string, bool) error { return nil }
func (b *fakeBackend) Seek(context.Context, string, int64) error { return nil }
func (b *fakeBackend) SetVolume(context.Context, string, int) error { return nil }
func (b *fakeBackend) SetEqualizer(context.Context, string, player.Bands) error { return nil }
func (b *fakeBackend) Destroy(context.Context, string) error { return nil }

func (b *fakeBackend) Search(_ context.Context, query string, _ model.Requester) (*model.SearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searches = append(b.searches, query)
	if b.searchResult == nil {
		return &model.SearchResult{LoadType: model.LoadTypeNoMatch}, nil
	}
	return b.searchResult, nil
}

func (b *fakeBackend) Resolve(_ context.Context, t model.Track) (model.Track, error) {
	t.Encoded = "enc:" + t.Identifier
	return t, nil
}

func (b *fakeBackend) SetEventHandler(h player.EventHandler) { b.handler = h }

func (b *fakeBackend) playedTitles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.played))
	for i, t := range b.played {
		out[i] = t.Title
	}
	return out
}

func (b *fakeBackend) searchQueries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.searches...)
}

type fakeStore struct {
	mu       sync.Mutex
	saves    int
	last     player.Snapshot
	inactive []string
	deleted  []string
	audits   []string
	previous []string
	archived []string
}

func (s *fakeStore) SaveState(_ context.Context, snap player.Snapshot) error {
	s.mu.Lock()
	s.saves++
	s.last = snap
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) MarkInactive(_ context.Context, guildID string) error {
	s.mu.Lock()
	s.inactive = append(s.inactive, guildID)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) DeleteQueue(_ context.Context, guildID string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, guildID)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) AuditSnapshot(_ context.Context, _ player.Snapshot, reason string, _ error) error {
	s.mu.Lock()
	s.audits = append(s.audits, reason)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) PushPreviousTrack(_ context.Context, _ string, t model.Track) error {
	s.mu.Lock()
	s.previous = append(s.previous, t.Title)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) ArchiveSnapshot(_ context.Context, _ player.Snapshot, reason string) error {
	s.mu.Lock()
	s.archived = append(s.archived, reason)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) snapshot() fakeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fakeStore{
		saves:    s.saves,
		last:     s.last,
		inactive: append([]string(nil), s.inactive...),
		deleted:  append([]string(nil), s.deleted...),
		audits:   append([]string(nil), s.audits...),
		previous: append([]string(nil), s.previous...),
		archived: append([]string(nil), s.archived...),
	}
}

type recordingSink struct {
	mu      sync.Mutex
	notices []player.Notice
}

func (r *recordingSink) Notify(_ context.Context, n player.Notice) error {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count(kind player.NoticeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingSink) tags(kind player.NoticeKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, x := range r.notices {
		if x.Kind == kind {
			out = append(out, x.Tag)
		}
	}
	return out
}

func testConfig() config.PlayerConfig {
	return config.PlayerConfig{
		DefaultVolume:          80,
		FailureThreshold:       0,
		MaxConsecutiveFailures: 3,
		FailureBackoff:         time.Millisecond,
		RetryDelay:             time.Millisecond,
		GuardClearDelay:        50 * time.Millisecond,
		StartGraceDelay:        5 * time.Millisecond,
		AdvanceDelay:           time.Millisecond,
		SaveInterval:           time.Hour,
		StateMaxAge:            24 * time.Hour,
		LeaveOnEnd:             false,
		LeaveOnEndDelay:        3000 * time.Millisecond,
		AutoplayCandidates:     5,
	}
}

type harness struct {
	c     *Coordinator
	m     *player.Manager
	b     *fakeBackend
	store *fakeStore
	sink  *recordingSink
	p     *player.Player
}

func newHarness(t *testing.T, cfg config.PlayerConfig) *harness {
	t.Helper()
	b := &fakeBackend{}
	m := player.NewManager(b)
	store := &fakeStore{}
	sink := &recordingSink{}
	c := New(m, store, sink, cfg)
	c.Attach()
	t.Cleanup(c.Close)

	p, err := m.Create(context.Background(), "g1", "v1", "t1", 80)
	require.NoError(t, err)
	return &harness{c: c, m: m, b: b, store: store, sink: sink, p: p}
}

func track(title, author, id string) model.Track {
	return model.Track{
		Title:      title,
		Author:     author,
		URI:        "https://example.com/" + id,
		Identifier: id,
		DurationMs: int64(3 * time.Minute / time.Millisecond),
	}
}
