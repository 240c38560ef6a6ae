package player

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"QFMBot/model"
)

// State of a player.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Listener is notified of player transitions the coordinator reacts to.
// Calls happen outside the player lock.
type Listener interface {
	PlayerEnqueued(p *Player)
	PlayerPaused(p *Player, paused bool)
	QueueEnded(p *Player)
	PlayerDestroyed(p *Player, reason string, last Snapshot)
}

type nopListener struct{}

func (nopListener) PlayerEnqueued(*Player) {}
func (nopListener) PlayerPaused(*Player, bool) {}
func (nopListener) QueueEnded(*Player) {}
func (nopListener) PlayerDestroyed(*Player, string, Snapshot) {}

// Snapshot is a consistent read of a player's state.
type Snapshot struct {
	GuildID         string         `json:"guildId"`
	VoiceChannelID  string         `json:"voiceChannelId"`
	TextChannelID   string         `json:"textChannelId"`
	State           string         `json:"state"`
	Playing         bool           `json:"playing"`
	Paused          bool           `json:"paused"`
	Volume          int            `json:"volume"`
	Autoplay        bool           `json:"autoplay"`
	Loop            model.LoopMode `json:"loop"`
	EqualizerPreset string         `json:"equalizerPreset"`
	Current         *model.Track   `json:"currentTrack,omitempty"`
	Previous        *model.Track   `json:"previousTrack,omitempty"`
	Position        int64          `json:"position"`
	Queue           []model.Track  `json:"queue"`
	Guards          string         `json:"guards"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// Player is the per-guild playback aggregate.
type Player struct {
	mu sync.RWMutex

	guildID        string
	voiceChannelID string
	textChannelID  string

	backend  Backend
	listener Listener
	release  func()

	queue      *Queue
	current    *model.Track
	previous   *model.Track
	lastEnded  *model.Track
	state      State
	volume     int
	autoplay   bool
	loop       model.LoopMode
	eqPreset   string
	bands      Bands
	position   int64
	positionAt time.Time
	failures   int

	guards    *GuardSet
	timers    *TimerRegistry
	done      chan struct{}
	createdAt time.Time
}

func newPlayer(guildID, voiceChannelID, textChannelID string, volume int, backend Backend, listener Listener) *Player {
	if listener == nil {
		listener = nopListener{}
	}
	return &Player{
		guildID:        guildID,
		voiceChannelID: voiceChannelID,
		textChannelID:  textChannelID,
		backend:        backend,
		listener:       listener,
		queue:          NewQueue(),
		state:          StateIdle,
		volume:         volume,
		loop:           model.LoopNone,
		eqPreset:       model.DefaultEqualizerPreset,
		guards:         &GuardSet{},
		timers:         NewTimerRegistry(),
		done:           make(chan struct{}),
		createdAt:      time.Now(),
	}
}

// ========== 访问器 ==========

func (p *Player) GuildID() string { return p.guildID }

func (p *Player) VoiceChannelID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voiceChannelID
}

func (p *Player) TextChannelID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.textChannelID
}

func (p *Player) Guards() *GuardSet { return p.guards }

func (p *Player) Timers() *TimerRegistry { return p.timers }

// Done is closed when the player is destroyed.
func (p *Player) Done() <-chan struct{} { return p.done }

func (p *Player) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Player) Alive() bool { return p.State() != StateDestroyed }

func (p *Player) Playing() bool {
	s := p.State()
	return s == StatePlaying || s == StatePaused
}

func (p *Player) Paused() bool { return p.State() == StatePaused }

func (p *Player) Volume() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

func (p *Player) Autoplay() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoplay
}

func (p *Player) Loop() model.LoopMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loop
}

func (p *Player) EqualizerPreset() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.eqPreset
}

func (p *Player) Current() *model.Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyTrack(p.current)
}

func (p *Player) Previous() *model.Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyTrack(p.previous)
}

func (p *Player) QueueLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queue.Len()
}

// QueueSnapshot returns a copy of the pending tracks.
func (p *Player) QueueSnapshot() []model.Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queue.Snapshot()
}

// Position estimates the playback position in ms from the last backend update.
func (p *Player) Position() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positionLocked(time.Now())
}

func (p *Player) positionLocked(now time.Time) int64 {
	pos := p.position
	if p.state == StatePlaying && !p.positionAt.IsZero() {
		pos += now.Sub(p.positionAt).Milliseconds()
	}
	if p.current != nil && !p.current.IsStream() && pos > p.current.DurationMs {
		pos = p.current.DurationMs
	}
	return pos
}

func (p *Player) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Player) snapshotLocked() Snapshot {
	return Snapshot{
		GuildID:         p.guildID,
		VoiceChannelID:  p.voiceChannelID,
		TextChannelID:   p.textChannelID,
		State:           p.state.String(),
		Playing:         p.state == StatePlaying || p.state == StatePaused,
		Paused:          p.state == StatePaused,
		Volume:          p.volume,
		Autoplay:        p.autoplay,
		Loop:            p.loop,
		EqualizerPreset: p.eqPreset,
		Current:         copyTrack(p.current),
		Previous:        copyTrack(p.previous),
		Position:        p.positionLocked(time.Now()),
		Queue:           p.queue.Snapshot(),
		Guards:          p.guards.Flags().String(),
		CreatedAt:       p.createdAt,
	}
}

func copyTrack(t *model.Track) *model.Track {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (p *Player) checkAliveLocked(op string) error {
	if p.state == StateDestroyed {
		return NewError(KindPlayerNotFound, op, p.guildID, errDestroyed)
	}
	return nil
}

// ========== 队列操作 ==========

// Enqueue appends tracks. It does not start playback.
func (p *Player) Enqueue(tracks ...model.Track) error {
	p.mu.Lock()
	if err := p.checkAliveLocked("enqueue"); err != nil {
		p.mu.Unlock()
		return err
	}
	if len(tracks) == 0 {
		p.mu.Unlock()
		return validationf("enqueue", p.guildID, "no tracks given")
	}
	p.queue.Add(tracks...)
	p.mu.Unlock()

	p.listener.PlayerEnqueued(p)
	return nil
}

// EnqueueFront puts a track at the head of the queue.
func (p *Player) EnqueueFront(t model.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("enqueue"); err != nil {
		return err
	}
	p.queue.AddFront(t)
	return nil
}

// DropNext removes the head of the queue.
func (p *Player) DropNext() (model.Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Pop()
}

func (p *Player) Remove(index int) (model.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("remove"); err != nil {
		return model.Track{}, err
	}
	t, err := p.queue.Remove(index)
	if err != nil {
		return model.Track{}, NewError(KindValidation, "remove", p.guildID, err)
	}
	return t, nil
}

func (p *Player) RemoveByRequester(userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("remove"); err != nil {
		return 0, err
	}
	return p.queue.RemoveByRequester(userID), nil
}

// Jump discards the queue up to index; the next advance plays that track.
func (p *Player) Jump(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("jump"); err != nil {
		return err
	}
	if err := p.queue.Jump(index); err != nil {
		return NewError(KindValidation, "jump", p.guildID, err)
	}
	return nil
}

func (p *Player) ClearQueue() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("clear"); err != nil {
		return err
	}
	p.queue.Clear()
	return nil
}

func (p *Player) Shuffle(rng *rand.Rand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("shuffle"); err != nil {
		return err
	}
	if err := p.queue.Shuffle(rng); err != nil {
		return NewError(KindValidation, "shuffle", p.guildID, err)
	}
	return nil
}

// ========== 播放控制 ==========

// Play pops the head of the queue and starts it. With an empty queue the
// player goes idle and the queue-end signal is raised.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	if err := p.checkAliveLocked("play"); err != nil {
		p.mu.Unlock()
		return err
	}
	next, ok := p.queue.Pop()
	if !ok {
		if p.current != nil {
			p.lastEnded = p.current
		}
		p.current = nil
		p.state = StateIdle
		p.position = 0
		p.mu.Unlock()

		p.listener.QueueEnded(p)
		return nil
	}
	if p.current != nil {
		p.lastEnded = p.current
	}
	cur := &next
	p.current = cur
	p.state = StatePlaying
	p.position = 0
	p.positionAt = time.Now()
	volume := p.volume
	p.mu.Unlock()

	return p.start(ctx, cur, volume)
}

// start resolves and plays cur. If cur is no longer current when the backend
// answers, the result is left alone.
func (p *Player) start(ctx context.Context, cur *model.Track, volume int) error {
	t := *cur
	var err error
	if !t.Resolved() {
		t, err = p.backend.Resolve(ctx, t)
	}
	if err == nil {
		err = p.backend.Play(ctx, p.guildID, t, volume)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if p.current == cur && p.state != StateDestroyed {
			p.current = nil
			p.state = StateIdle
		}
		return NewError(KindBackendTransient, "play", p.guildID, fmt.Errorf("%q: %w", cur.Title, err))
	}
	if p.current == cur {
		p.current = &t
	}
	return nil
}

// Pause pauses or resumes. Repeating the current state is a no-op.
func (p *Player) Pause(ctx context.Context, paused bool) error {
	p.mu.Lock()
	if err := p.checkAliveLocked("pause"); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.state != StatePlaying && p.state != StatePaused {
		p.mu.Unlock()
		return NewError(KindValidation, "pause", p.guildID, errNotPlaying)
	}
	if (paused && p.state == StatePaused) || (!paused && p.state == StatePlaying) {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.backend.Pause(ctx, p.guildID, paused); err != nil {
		return NewError(KindBackendTransient, "pause", p.guildID, err)
	}

	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return nil
	}
	now := time.Now()
	p.position = p.positionLocked(now)
	p.positionAt = now
	if paused {
		p.state = StatePaused
	} else {
		p.state = StatePlaying
	}
	p.mu.Unlock()

	p.listener.PlayerPaused(p, paused)
	return nil
}

// Skip stops the current track. Advancing is left to the end-of-track handler,
// which sees the ManualSkip guard.
func (p *Player) Skip(ctx context.Context) error {
	p.mu.Lock()
	if err := p.checkAliveLocked("skip"); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.current == nil || (p.state != StatePlaying && p.state != StatePaused) {
		p.mu.Unlock()
		return NewError(KindValidation, "skip", p.guildID, errNotPlaying)
	}
	p.previous = copyTrack(p.current)
	p.guards.Set(ManualSkip)
	p.guards.Clear(ManualSkipHandled)
	p.mu.Unlock()

	if err := p.backend.Stop(ctx, p.guildID); err != nil {
		p.guards.Clear(ManualSkip)
		return NewError(KindBackendTransient, "skip", p.guildID, err)
	}
	return nil
}

// PlayPrevious re-queues the previous track ahead of the current one and
// plays it.
func (p *Player) PlayPrevious(ctx context.Context) error {
	p.mu.Lock()
	if err := p.checkAliveLocked("previous"); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.previous == nil {
		p.mu.Unlock()
		return validationf("previous", p.guildID, "no previous track")
	}
	if p.current != nil {
		p.queue.AddFront(*p.current)
	}
	p.queue.AddFront(*p.previous)
	// 只有正在播放时才会收到 replaced 结束事件
	if p.state == StatePlaying || p.state == StatePaused {
		p.guards.Set(ManualPrevious)
	}
	p.mu.Unlock()

	return p.Play(ctx)
}

// Seek moves within the current track.
func (p *Player) Seek(ctx context.Context, positionMs int64) error {
	p.mu.Lock()
	if err := p.checkAliveLocked("seek"); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.current == nil {
		p.mu.Unlock()
		return NewError(KindValidation, "seek", p.guildID, errNotPlaying)
	}
	if p.current.IsStream() {
		p.mu.Unlock()
		return validationf("seek", p.guildID, "cannot seek a live stream")
	}
	if positionMs < 0 || positionMs > p.current.DurationMs {
		d := p.current.DurationMs
		p.mu.Unlock()
		return validationf("seek", p.guildID, "position %d outside [0,%d]", positionMs, d)
	}
	p.mu.Unlock()

	if err := p.backend.Seek(ctx, p.guildID, positionMs); err != nil {
		return NewError(KindBackendTransient, "seek", p.guildID, err)
	}

	p.mu.Lock()
	p.position = positionMs
	p.positionAt = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 || volume > 100 {
		return validationf("volume", p.guildID, "volume %d outside [0,100]", volume)
	}
	p.mu.RLock()
	err := p.checkAliveLocked("volume")
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := p.backend.SetVolume(ctx, p.guildID, volume); err != nil {
		return NewError(KindBackendTransient, "volume", p.guildID, err)
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

// SetEqualizer applies raw band gains.
func (p *Player) SetEqualizer(ctx context.Context, bands Bands) error {
	return p.applyBands(ctx, bands, CustomPreset)
}

// ApplyPreset applies a named equalizer preset.
func (p *Player) ApplyPreset(ctx context.Context, name string) error {
	bands, ok := PresetBands(name)
	if !ok {
		return validationf("equalizer", p.guildID, "unknown preset %q", name)
	}
	return p.applyBands(ctx, bands, name)
}

func (p *Player) applyBands(ctx context.Context, bands Bands, preset string) error {
	if err := bands.Validate(); err != nil {
		return NewError(KindValidation, "equalizer", p.guildID, err)
	}
	p.mu.RLock()
	err := p.checkAliveLocked("equalizer")
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := p.backend.SetEqualizer(ctx, p.guildID, bands); err != nil {
		return NewError(KindBackendTransient, "equalizer", p.guildID, err)
	}
	p.mu.Lock()
	p.bands = bands
	p.eqPreset = preset
	p.mu.Unlock()
	return nil
}

func (p *Player) SetLoop(mode model.LoopMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("loop"); err != nil {
		return err
	}
	switch mode {
	case model.LoopNone, model.LoopTrack, model.LoopQueue:
		p.loop = mode
		return nil
	default:
		return validationf("loop", p.guildID, "unknown loop mode %q", mode)
	}
}

func (p *Player) SetAutoplay(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAliveLocked("autoplay"); err != nil {
		return err
	}
	p.autoplay = enabled
	return nil
}

// SetTextChannel moves notices to another channel.
func (p *Player) SetTextChannel(channelID string) {
	p.mu.Lock()
	p.textChannelID = channelID
	p.mu.Unlock()
}

// SetVoiceChannel records a move to another voice channel.
func (p *Player) SetVoiceChannel(channelID string) {
	p.mu.Lock()
	p.voiceChannelID = channelID
	p.mu.Unlock()
}

// ========== 后端事件 ==========

// ConfirmStart marks the current track as started and rotates the previous
// track. It returns the track that became previous, if any.
func (p *Player) ConfirmStart() *model.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastEnded == nil {
		return nil
	}
	p.previous = p.lastEnded
	p.lastEnded = nil
	return copyTrack(p.previous)
}

// UpdatePosition records a position reported by the backend.
func (p *Player) UpdatePosition(positionMs int64) {
	p.mu.Lock()
	p.position = positionMs
	p.positionAt = time.Now()
	p.mu.Unlock()
}

// MarkEnded records that the backend has finished the current track. The
// track is kept as current until the next Play so loop modes can reuse it.
func (p *Player) MarkEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePlaying || p.state == StatePaused {
		p.position = p.positionLocked(time.Now())
		p.positionAt = time.Time{}
		p.state = StateIdle
	}
}

// RetireFinished moves the finished track of an idle player into previous,
// so nothing stale is left as current once the queue has run out.
func (p *Player) RetireFinished() *model.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return nil
	}
	t := p.current
	if t == nil {
		t = p.lastEnded
	}
	if t == nil {
		return nil
	}
	p.previous = t
	p.current = nil
	p.lastEnded = nil
	p.position = 0
	p.positionAt = time.Time{}
	return copyTrack(t)
}

// DropCurrent forgets the current track without playing anything.
func (p *Player) DropCurrent() *model.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.current
	p.current = nil
	if p.state != StateDestroyed {
		p.state = StateIdle
	}
	return t
}

func (p *Player) IncFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	return p.failures
}

func (p *Player) ResetFailures() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

func (p *Player) Failures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

// ========== 销毁 ==========

// Destroy cancels every timer, releases the backend player and marks the
// player destroyed. It fails with PlayerNotFound if already destroyed.
func (p *Player) Destroy(ctx context.Context, reason string) error {
	p.mu.Lock()
	if err := p.checkAliveLocked("destroy"); err != nil {
		p.mu.Unlock()
		return err
	}
	last := p.snapshotLocked()
	p.state = StateDestroyed
	close(p.done)
	release := p.release
	p.mu.Unlock()

	p.timers.CancelAll()
	if release != nil {
		release()
	}

	var backendErr error
	if err := p.backend.Destroy(ctx, p.guildID); err != nil {
		backendErr = NewError(KindBackendTransient, "destroy", p.guildID, err)
	}

	p.listener.PlayerDestroyed(p, reason, last)
	return backendErr
}
