package player

import (
	"strings"
	"sync"
	"time"
)

// Guard is a short-lived flag that stops one logical transition from being
// handled twice when the backend repeats an event.
type Guard uint8

const (
	ManualSkip Guard = 1 << iota
	ManualSkipHandled
	ManualPrevious
	SuppressAutoplay
	QueueEndInProgress
	SendingNowPlaying
)

var guardNames = []struct {
	g    Guard
	name string
}{
	{ManualSkip, "manualSkip"},
	{ManualSkipHandled, "manualSkipHandled"},
	{ManualPrevious, "manualPrevious"},
	{SuppressAutoplay, "suppressAutoplay"},
	{QueueEndInProgress, "queueEndInProgress"},
	{SendingNowPlaying, "sendingNowPlaying"},
}

func (g Guard) String() string {
	var parts []string
	for _, n := range guardNames {
		if g&n.g != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// GuardSet holds the guard flags of one player.
type GuardSet struct {
	mu    sync.Mutex
	flags Guard
}

func (s *GuardSet) Set(g Guard) {
	s.mu.Lock()
	s.flags |= g
	s.mu.Unlock()
}

func (s *GuardSet) Clear(g Guard) {
	s.mu.Lock()
	s.flags &^= g
	s.mu.Unlock()
}

// IsSet reports whether every flag in g is set.
func (s *GuardSet) IsSet(g Guard) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags&g == g
}

// TestAndSet sets g and reports whether it was already set.
func (s *GuardSet) TestAndSet(g Guard) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.flags&g == g
	s.flags |= g
	return was
}

func (s *GuardSet) Flags() Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// ClearAfter clears g once d has elapsed. The timer is owned by timers, so
// destroying the player cancels it.
func (s *GuardSet) ClearAfter(timers *TimerRegistry, d time.Duration, g Guard) {
	timers.After("guard:"+g.String(), d, func() {
		s.Clear(g)
	})
}
