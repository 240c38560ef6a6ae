package player

import (
	"context"
	"sort"
	"sync"

	"QFMBot/logger"
)

// Manager is the registry of live players, one per guild.
type Manager struct {
	mu       sync.RWMutex
	players  map[string]*Player
	backend  Backend
	listener Listener
}

// NewManager 创建播放器管理器
func NewManager(backend Backend) *Manager {
	return &Manager{
		players:  make(map[string]*Player),
		backend:  backend,
		listener: nopListener{},
	}
}

// SetListener installs the listener given to players created afterwards.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil {
		l = nopListener{}
	}
	m.listener = l
}

func (m *Manager) Backend() Backend { return m.backend }

// Create allocates an idle player for the guild and joins its voice channel.
func (m *Manager) Create(ctx context.Context, guildID, voiceChannelID, textChannelID string, volume int) (*Player, error) {
	if guildID == "" || voiceChannelID == "" {
		return nil, validationf("create", guildID, "guild and voice channel are required")
	}
	if volume < 0 || volume > 100 {
		return nil, validationf("create", guildID, "volume %d outside [0,100]", volume)
	}

	m.mu.Lock()
	if existing, ok := m.players[guildID]; ok && existing.Alive() {
		m.mu.Unlock()
		return nil, NewError(KindValidation, "create", guildID, errAlreadyExists)
	}
	p := newPlayer(guildID, voiceChannelID, textChannelID, volume, m.backend, m.listener)
	p.release = func() { m.remove(guildID, p) }
	m.players[guildID] = p
	m.mu.Unlock()

	if err := m.backend.Connect(ctx, guildID, voiceChannelID); err != nil {
		m.remove(guildID, p)
		p.mu.Lock()
		p.state = StateDestroyed
		close(p.done)
		p.mu.Unlock()
		p.timers.CancelAll()
		return nil, NewError(KindConnection, "create", guildID, err)
	}

	logger.Info("player created",
		logger.Guild(guildID),
		logger.Channel(voiceChannelID),
		logger.Int("volume", volume))
	return p, nil
}

func (m *Manager) remove(guildID string, p *Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.players[guildID]; ok && cur == p {
		delete(m.players, guildID)
	}
}

// Get returns the live player for the guild.
func (m *Manager) Get(guildID string) (*Player, error) {
	if p := m.Lookup(guildID); p != nil {
		return p, nil
	}
	return nil, NewError(KindPlayerNotFound, "get", guildID, nil)
}

// Lookup returns the live player for the guild or nil.
func (m *Manager) Lookup(guildID string) *Player {
	m.mu.RLock()
	p, ok := m.players[guildID]
	m.mu.RUnlock()
	if !ok || !p.Alive() {
		return nil
	}
	return p
}

// List returns live players ordered by guild id.
func (m *Manager) List() []*Player {
	m.mu.RLock()
	out := make([]*Player, 0, len(m.players))
	for _, p := range m.players {
		if p.Alive() {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].guildID < out[j].guildID })
	return out
}

// Destroy destroys the guild's player.
func (m *Manager) Destroy(ctx context.Context, guildID, reason string) error {
	p, err := m.Get(guildID)
	if err != nil {
		return err
	}
	return p.Destroy(ctx, reason)
}

// DestroyAll tears down every player, used at shutdown.
func (m *Manager) DestroyAll(ctx context.Context, reason string) {
	for _, p := range m.List() {
		if err := p.Destroy(ctx, reason); err != nil {
			logger.Warn("failed to destroy player", logger.Guild(p.GuildID()), logger.ErrorField(err))
		}
	}
}
