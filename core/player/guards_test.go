package player

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardSet(t *testing.T) {
	var g GuardSet
	assert.False(t, g.IsSet(ManualSkip))

	g.Set(ManualSkip)
	assert.True(t, g.IsSet(ManualSkip))
	assert.False(t, g.IsSet(ManualSkip|ManualPrevious))
	assert.True(t, g.TestAndSet(ManualSkip))
	assert.False(t, g.TestAndSet(SuppressAutoplay))
	assert.Equal(t, "manualSkip|suppressAutoplay", g.Flags().String())

	g.Clear(ManualSkip | SuppressAutoplay)
	assert.Equal(t, "none", g.Flags().String())
}

func TestGuardClearAfter(t *testing.T) {
	var g GuardSet
	timers := NewTimerRegistry()

	g.Set(ManualSkip)
	g.ClearAfter(timers, 20*time.Millisecond, ManualSkip)
	assert.True(t, g.IsSet(ManualSkip))
	assert.Eventually(t, func() bool { return !g.IsSet(ManualSkip) }, time.Second, 5*time.Millisecond)
}

func TestTimerReplaceAndCancel(t *testing.T) {
	r := NewTimerRegistry()
	var hits int32

	r.After("x", 30*time.Millisecond, func() { atomic.AddInt32(&hits, 100) })
	r.After("x", 10*time.Millisecond, func() { atomic.AddInt32(&hits, 1) })
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.False(t, r.Has("x"))

	r.After("y", 10*time.Millisecond, func() { atomic.AddInt32(&hits, 1) })
	assert.True(t, r.Cancel("y"))
	assert.False(t, r.Cancel("y"))
}

func TestTimerCancelAllClosesRegistry(t *testing.T) {
	r := NewTimerRegistry()
	var ticks int32

	r.Every("tick", 5*time.Millisecond, func() { atomic.AddInt32(&ticks, 1) })
	r.After("once", time.Hour, func() {})
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) > 0 }, time.Second, time.Millisecond)

	assert.Equal(t, 2, r.CancelAll())
	seen := atomic.LoadInt32(&ticks)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&ticks), seen+1)

	assert.False(t, r.After("late", time.Millisecond, func() {}))
	assert.False(t, r.Every("late", time.Millisecond, func() {}))
	assert.Equal(t, 0, r.Len())
}

func TestTimerCancelExcept(t *testing.T) {
	r := NewTimerRegistry()
	r.After("a", time.Hour, func() {})
	r.After("b", time.Hour, func() {})
	r.Every(TimerStateSave, time.Hour, func() {})

	r.CancelExcept(TimerStateSave)
	assert.True(t, r.Has(TimerStateSave))
	assert.Equal(t, 1, r.Len())
	r.CancelAll()
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames() {
		b, ok := PresetBands(name)
		assert.True(t, ok)
		assert.NoError(t, b.Validate(), name)
	}
	flat, _ := PresetBands("flat")
	assert.Equal(t, Bands{}, flat)
	assert.Len(t, PresetNames(), 10)
}
