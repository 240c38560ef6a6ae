package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"QFMBot/config"
	"QFMBot/core/player"
	"QFMBot/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type destroyRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (d *destroyRecorder) PlayerEnqueued(*player.Player)     {}
func (d *destroyRecorder) PlayerPaused(*player.Player, bool) {}
func (d *destroyRecorder) QueueEnded(*player.Player)         {}
func (d *destroyRecorder) PlayerDestroyed(_ *player.Player, reason string, _ player.Snapshot) {
	d.mu.Lock()
	d.reasons = append(d.reasons, reason)
	d.mu.Unlock()
}

func (d *destroyRecorder) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reasons...)
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	err     error
	succeed func(call int) bool
	adapter *Adapter
}

func (f *fakeTransport) Rejoin(_ context.Context, guildID, channelID string) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	err := f.err
	ok := f.succeed != nil && f.succeed(call)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if ok {
		go f.adapter.OnStateChange(guildID, channelID, StateConnecting)
	}
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type auditRecorder struct {
	mu      sync.Mutex
	reasons []string
	retries map[string]int
}

func (a *auditRecorder) AuditSnapshot(_ context.Context, _ player.Snapshot, reason string, _ error) error {
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	a.mu.Unlock()
	return nil
}

func (a *auditRecorder) AuditRetries(_ context.Context, _ player.Snapshot, reason string, retries int) error {
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	if a.retries == nil {
		a.retries = make(map[string]int)
	}
	a.retries[reason] = retries
	a.mu.Unlock()
	return nil
}

func (a *auditRecorder) retriesFor(reason string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.retries[reason]
	return n, ok
}

func (a *auditRecorder) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reasons...)
}

type setup struct {
	adapter   *Adapter
	transport *fakeTransport
	audit     *auditRecorder
	destroyed *destroyRecorder
	manager   *player.Manager
	player    *player.Player
}

func newSetup(t *testing.T, succeed func(int) bool) *setup {
	t.Helper()
	m := player.NewManager(nopBackend{})
	rec := &destroyRecorder{}
	m.SetListener(rec)
	p, err := m.Create(context.Background(), "g1", "v1", "t1", 80)
	require.NoError(t, err)

	tr := &fakeTransport{succeed: succeed}
	audit := &auditRecorder{}
	a := NewAdapter(tr, audit, config.VoiceConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
	tr.adapter = a
	a.Watch("g1", "v1", p)
	t.Cleanup(a.ClearAll)
	return &setup{adapter: a, transport: tr, audit: audit, destroyed: rec, manager: m, player: p}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0, time.Second, 30*time.Second, 0))
	assert.Equal(t, 8*time.Second, Backoff(3, time.Second, 30*time.Second, 0))
	assert.Equal(t, 30*time.Second, Backoff(10, time.Second, 30*time.Second, 0))
	assert.Equal(t, 4*time.Second+300*time.Millisecond, Backoff(2, time.Second, 30*time.Second, 300*time.Millisecond))
	assert.Equal(t, 30*time.Second, Backoff(1000, time.Second, 30*time.Second, 0))
}

func TestReconnectSucceedsFirstTry(t *testing.T) {
	s := newSetup(t, func(int) bool { return true })

	s.adapter.OnStateChange("g1", "v1", StateDisconnected)

	assert.Eventually(t, func() bool { return s.transport.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.transport.count())
	assert.Equal(t, 0, s.adapter.Attempts("g1", "v1"))
	assert.True(t, s.player.Alive())
	assert.Equal(t, []string{model.ReasonVoiceDisconnected}, s.audit.all())
}

func TestReconnectCountsFailedAttempts(t *testing.T) {
	s := newSetup(t, func(call int) bool { return call == 3 })

	s.adapter.OnStateChange("g1", "v1", StateDisconnected)

	assert.Eventually(t, func() bool { return s.transport.count() == 3 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return s.adapter.Attempts("g1", "v1") == 0 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.player.Alive())
	assert.Empty(t, s.destroyed.all())
}

func TestReconnectGivesUp(t *testing.T) {
	s := newSetup(t, nil)

	s.adapter.OnStateChange("g1", "v1", StateDisconnected)
	// repeated disconnects while reconnecting do not start a second loop
	s.adapter.OnStateChange("g1", "v1", StateDisconnected)

	assert.Eventually(t, func() bool { return !s.player.Alive() }, time.Second, time.Millisecond)
	assert.Equal(t, 3, s.transport.count())
	assert.Equal(t, []string{model.ReasonMaxRetriesReached}, s.destroyed.all())
	assert.False(t, s.adapter.Watching("g1", "v1"))
	assert.Nil(t, s.manager.Lookup("g1"))

	assert.Equal(t, []string{model.ReasonVoiceDisconnected, model.ReasonMaxRetriesReached}, s.audit.all())
	retries, ok := s.audit.retriesFor(model.ReasonMaxRetriesReached)
	require.True(t, ok)
	assert.Equal(t, 3, retries)
}

func TestRejoinErrorsCountAsFailures(t *testing.T) {
	s := newSetup(t, nil)
	s.transport.err = errors.New("gateway closed")

	s.adapter.OnStateChange("g1", "v1", StateDisconnected)

	assert.Eventually(t, func() bool { return !s.player.Alive() }, time.Second, time.Millisecond)
	assert.Equal(t, 3, s.transport.count())
}

func TestSocketCloseCodes(t *testing.T) {
	s := newSetup(t, func(int) bool { return true })

	s.adapter.OnSocketClosed("g1", 1000, "normal", false)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, s.transport.count())

	s.adapter.OnSocketClosed("g1", CloseDisconnected, "disconnected", true)
	assert.Eventually(t, func() bool { return s.transport.count() == 1 }, time.Second, time.Millisecond)
}

func TestHandlersFollowPlayerLifetime(t *testing.T) {
	s := newSetup(t, nil)
	assert.True(t, s.adapter.Watching("g1", "v1"))

	require.NoError(t, s.player.Destroy(context.Background(), model.ReasonUserStop))
	assert.Eventually(t, func() bool { return !s.adapter.Watching("g1", "v1") }, time.Second, time.Millisecond)

	s.adapter.OnStateChange("g1", "v1", StateDisconnected)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, s.transport.count())
}

func TestClearAll(t *testing.T) {
	s := newSetup(t, nil)
	s.adapter.ClearAll()
	assert.False(t, s.adapter.Watching("g1", "v1"))
	assert.Equal(t, 0, s.adapter.Attempts("g1", "v1"))
}

type countListeners struct {
	mu sync.Mutex
	n  int
}

func (c *countListeners) ListenerCount(string, string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countListeners) set(n int) {
	c.mu.Lock()
	c.n = n
	c.mu.Unlock()
}

func TestEmptyChannelWatcherLeaves(t *testing.T) {
	s := newSetup(t, nil)
	listeners := &countListeners{}
	w := NewEmptyChannelWatcher(s.manager, listeners, nil, 20*time.Millisecond)

	w.Check("g1")
	assert.True(t, s.player.Timers().Has(player.TimerLeaveOnEmpty))

	assert.Eventually(t, func() bool { return !s.player.Alive() }, time.Second, time.Millisecond)
	assert.Equal(t, []string{model.ReasonEmptyChannelTimeout}, s.destroyed.all())
}

func TestEmptyChannelWatcherCancelledByRejoin(t *testing.T) {
	s := newSetup(t, nil)
	listeners := &countListeners{}
	w := NewEmptyChannelWatcher(s.manager, listeners, nil, 40*time.Millisecond)

	w.Check("g1")
	listeners.set(1)
	w.Check("g1")
	assert.False(t, s.player.Timers().Has(player.TimerLeaveOnEmpty))

	time.Sleep(80 * time.Millisecond)
	assert.True(t, s.player.Alive())
}
