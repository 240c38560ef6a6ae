package cache

import (
	"context"
	"testing"
	"time"

	"QFMBot/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*PlayerStateCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewPlayerStateCacheWithClient(client), mr
}

func TestPlayerStateRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	in := &model.PersistedPlayerState{
		GuildID:         "g1",
		VoiceChannelID:  "v1",
		TextChannelID:   "t1",
		Volume:          65,
		Paused:          true,
		Playing:         true,
		Autoplay:        true,
		Loop:            model.LoopQueue,
		EqualizerPreset: "bass",
		CurrentTrack:    &model.Track{Title: "Song A", Author: "Artist X", URI: "https://example.com/a", DurationMs: 180000, Identifier: "id1"},
		Position:        42000,
		LastUpdatedAt:   now,
		Active:          true,
	}
	require.NoError(t, c.SetPlayerState(ctx, in))

	out, err := c.GetPlayerState(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.Volume, out.Volume)
	assert.Equal(t, in.Loop, out.Loop)
	assert.True(t, out.Autoplay)
	assert.True(t, out.Paused)
	assert.Equal(t, int64(42000), out.Position)
	assert.Equal(t, "https://example.com/a", out.CurrentTrack.URI)
	assert.Equal(t, now.UnixMilli(), out.LastUpdatedAt.UnixMilli())

	guilds, err := c.ListActiveGuilds(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, guilds)
}

func TestPlayerStateStripsEmptyFields(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetPlayerState(ctx, &model.PersistedPlayerState{
		GuildID:       "g2",
		Volume:        50,
		LastUpdatedAt: time.Now(),
		Active:        true,
	}))

	require.True(t, mr.Exists("player:g2:state"))
	assert.Equal(t, "", mr.HGet("player:g2:state", "currentTrack"))
	assert.Equal(t, "", mr.HGet("player:g2:state", "voiceChannelId"))
	assert.Equal(t, "50", mr.HGet("player:g2:state", "volume"))

	out, err := c.GetPlayerState(ctx, "g2")
	require.NoError(t, err)
	assert.Nil(t, out.CurrentTrack)
	assert.Equal(t, model.LoopNone, out.Loop)
	assert.Equal(t, model.DefaultEqualizerPreset, out.EqualizerPreset)
}

func TestSetActiveRemovesFromIndex(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetPlayerState(ctx, &model.PersistedPlayerState{GuildID: "g3", LastUpdatedAt: time.Now(), Active: true}))
	require.NoError(t, c.SetActive(ctx, "g3", false))

	out, err := c.GetPlayerState(ctx, "g3")
	require.NoError(t, err)
	assert.False(t, out.Active)

	guilds, err := c.ListActiveGuilds(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, guilds)

	// Missing records are not created by SetActive.
	require.NoError(t, c.SetActive(ctx, "missing", false))
	missing, err := c.GetPlayerState(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQueueRoundTripAndDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	q := &model.PersistedQueue{
		GuildID: "g4",
		Tracks: []model.Track{
			{Title: "B", URI: "u2", Identifier: "id2"},
			{Title: "C", URI: "u3", Identifier: "id3"},
			{Title: "B", URI: "u2", Identifier: "id2"},
		},
		LastUpdatedAt: time.Now(),
	}
	require.NoError(t, c.SetQueue(ctx, q))

	out, err := c.GetQueue(ctx, "g4")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 3, out.TotalTracks)
	assert.Equal(t, "C", out.Tracks[1].Title)

	require.NoError(t, c.SetQueue(ctx, &model.PersistedQueue{GuildID: "g4"}))
	out, err = c.GetQueue(ctx, "g4")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHistoryIsCapped(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < historyLimit+5; i++ {
		require.NoError(t, c.PushHistory(ctx, "g5", model.PreviousTrack{
			Track:    model.Track{Title: "t", Identifier: string(rune('a' + i%26))},
			PlayedAt: time.Now(),
		}))
	}

	all, err := c.GetHistory(ctx, "g5", 0)
	require.NoError(t, err)
	assert.Len(t, all, historyLimit)

	few, err := c.GetHistory(ctx, "g5", 3)
	require.NoError(t, err)
	assert.Len(t, few, 3)
}

func TestPruneActive(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.SetPlayerState(ctx, &model.PersistedPlayerState{GuildID: "old", LastUpdatedAt: now.Add(-25 * time.Hour), Active: true}))
	require.NoError(t, c.SetPlayerState(ctx, &model.PersistedPlayerState{GuildID: "new", LastUpdatedAt: now, Active: true}))

	n, err := c.PruneActive(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	guilds, err := c.ListActiveGuilds(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, guilds)
}

func TestNilClient(t *testing.T) {
	c := NewPlayerStateCacheWithClient(nil)
	_, err := c.GetPlayerState(context.Background(), "g")
	assert.Error(t, err)
}
