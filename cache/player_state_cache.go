package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"QFMBot/model"

	"github.com/go-redis/redis/v8"
)

const (
	playerStateKey     = "player:%s:state"      // Hash: 播放器状态，只写非空字段
	playerQueueKey     = "player:%s:queue"      // List: Track JSON
	playerQueueMetaKey = "player:%s:queue:meta" // Hash: totalTracks, lastUpdatedAt
	playerHistoryKey   = "player:%s:history"    // List: PreviousTrack JSON，最新在前
	activePlayersKey   = "player:active"        // Sorted Set: guildID -> lastUpdatedAt(ms)
	stateTTL           = 24 * time.Hour
	historyLimit       = 50
)

var errRedisNotInitialized = errors.New("Redis client not initialized")

// PlayerStateCache 播放器状态缓存操作
type PlayerStateCache struct {
	client *redis.Client
}

// NewPlayerStateCache 使用全局客户端创建播放器状态缓存
func NewPlayerStateCache() *PlayerStateCache {
	return &PlayerStateCache{client: RedisClient}
}

// NewPlayerStateCacheWithClient binds the cache to an explicit client.
func NewPlayerStateCacheWithClient(client *redis.Client) *PlayerStateCache {
	return &PlayerStateCache{client: client}
}

// ========== 播放器状态 ==========

// SetPlayerState replaces the stored state for the guild. Empty and nil fields
// are not written so a reader never sees a null value.
func (c *PlayerStateCache) SetPlayerState(ctx context.Context, state *model.PersistedPlayerState) error {
	if c.client == nil {
		return errRedisNotInitialized
	}
	if state == nil || state.GuildID == "" {
		return fmt.Errorf("player state requires a guild id")
	}

	fields, err := playerStateFields(state)
	if err != nil {
		return err
	}

	key := fmt.Sprintf(playerStateKey, state.GuildID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, stateTTL)
	if state.Active {
		pipe.ZAdd(ctx, activePlayersKey, &redis.Z{
			Score:  float64(state.LastUpdatedAt.UnixMilli()),
			Member: state.GuildID,
		})
	} else {
		pipe.ZRem(ctx, activePlayersKey, state.GuildID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetPlayerState 获取播放器状态，不存在时返回 nil
func (c *PlayerStateCache) GetPlayerState(ctx context.Context, guildID string) (*model.PersistedPlayerState, error) {
	if c.client == nil {
		return nil, errRedisNotInitialized
	}

	key := fmt.Sprintf(playerStateKey, guildID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return parsePlayerState(guildID, result)
}

// SetActive flips the active flag of an existing record.
func (c *PlayerStateCache) SetActive(ctx context.Context, guildID string, active bool) error {
	if c.client == nil {
		return errRedisNotInitialized
	}

	key := fmt.Sprintf(playerStateKey, guildID)
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	if n > 0 {
		pipe.HSet(ctx, key, "active", strconv.FormatBool(active))
	}
	if !active {
		pipe.ZRem(ctx, activePlayersKey, guildID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DeletePlayerState 删除播放器状态
func (c *PlayerStateCache) DeletePlayerState(ctx context.Context, guildID string) error {
	if c.client == nil {
		return errRedisNotInitialized
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(playerStateKey, guildID))
	pipe.ZRem(ctx, activePlayersKey, guildID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListActiveGuilds returns guild ids whose active state was written at or after since.
func (c *PlayerStateCache) ListActiveGuilds(ctx context.Context, since time.Time) ([]string, error) {
	if c.client == nil {
		return nil, errRedisNotInitialized
	}

	return c.client.ZRangeByScore(ctx, activePlayersKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
}

// PruneActive drops index entries last written before the cutoff.
func (c *PlayerStateCache) PruneActive(ctx context.Context, before time.Time) (int64, error) {
	if c.client == nil {
		return 0, errRedisNotInitialized
	}

	return c.client.ZRemRangeByScore(ctx, activePlayersKey,
		"-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Result()
}

// ========== 队列 ==========

// SetQueue 保存队列快照，空队列直接删除
func (c *PlayerStateCache) SetQueue(ctx context.Context, queue *model.PersistedQueue) error {
	if c.client == nil {
		return errRedisNotInitialized
	}
	if queue == nil || len(queue.Tracks) == 0 {
		if queue != nil {
			return c.DeleteQueue(ctx, queue.GuildID)
		}
		return nil
	}

	items := make([]interface{}, 0, len(queue.Tracks))
	for _, t := range queue.Tracks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal queued track: %w", err)
		}
		items = append(items, data)
	}

	key := fmt.Sprintf(playerQueueKey, queue.GuildID)
	metaKey := fmt.Sprintf(playerQueueMetaKey, queue.GuildID)

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, items...)
	pipe.HSet(ctx, metaKey, map[string]interface{}{
		"totalTracks":   len(queue.Tracks),
		"lastUpdatedAt": queue.LastUpdatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, stateTTL)
	pipe.Expire(ctx, metaKey, stateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetQueue 获取队列快照，不存在时返回 nil
func (c *PlayerStateCache) GetQueue(ctx context.Context, guildID string) (*model.PersistedQueue, error) {
	if c.client == nil {
		return nil, errRedisNotInitialized
	}

	key := fmt.Sprintf(playerQueueKey, guildID)
	raw, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	queue := &model.PersistedQueue{GuildID: guildID, Tracks: make([]model.Track, 0, len(raw))}
	for _, item := range raw {
		var t model.Track
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued track: %w", err)
		}
		queue.Tracks = append(queue.Tracks, t)
	}
	queue.TotalTracks = len(queue.Tracks)

	meta, err := c.client.HGet(ctx, fmt.Sprintf(playerQueueMetaKey, guildID), "lastUpdatedAt").Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if ms, err := strconv.ParseInt(meta, 10, 64); err == nil {
		queue.LastUpdatedAt = time.UnixMilli(ms)
	}
	return queue, nil
}

// DeleteQueue 删除队列
func (c *PlayerStateCache) DeleteQueue(ctx context.Context, guildID string) error {
	if c.client == nil {
		return errRedisNotInitialized
	}

	return c.client.Del(ctx,
		fmt.Sprintf(playerQueueKey, guildID),
		fmt.Sprintf(playerQueueMetaKey, guildID),
	).Err()
}

// ========== 播放历史 ==========

// PushHistory 记录上一首，保留最近 50 条
func (c *PlayerStateCache) PushHistory(ctx context.Context, guildID string, entry model.PreviousTrack) error {
	if c.client == nil {
		return errRedisNotInitialized
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	key := fmt.Sprintf(playerHistoryKey, guildID)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, historyLimit-1)
	pipe.Expire(ctx, key, stateTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// GetHistory 获取最近播放记录
func (c *PlayerStateCache) GetHistory(ctx context.Context, guildID string, limit int) ([]model.PreviousTrack, error) {
	if c.client == nil {
		return nil, errRedisNotInitialized
	}
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}

	raw, err := c.client.LRange(ctx, fmt.Sprintf(playerHistoryKey, guildID), 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return []model.PreviousTrack{}, nil
		}
		return nil, err
	}

	entries := make([]model.PreviousTrack, 0, len(raw))
	for _, item := range raw {
		var entry model.PreviousTrack
		if err := json.Unmarshal([]byte(item), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// ========== 编解码 ==========

func playerStateFields(s *model.PersistedPlayerState) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"guildId":       s.GuildID,
		"volume":        strconv.Itoa(s.Volume),
		"paused":        strconv.FormatBool(s.Paused),
		"playing":       strconv.FormatBool(s.Playing),
		"autoplay":      strconv.FormatBool(s.Autoplay),
		"position":      strconv.FormatInt(s.Position, 10),
		"lastUpdatedAt": strconv.FormatInt(s.LastUpdatedAt.UnixMilli(), 10),
		"active":        strconv.FormatBool(s.Active),
	}
	if s.VoiceChannelID != "" {
		fields["voiceChannelId"] = s.VoiceChannelID
	}
	if s.TextChannelID != "" {
		fields["textChannelId"] = s.TextChannelID
	}
	if s.Loop != "" {
		fields["loop"] = string(s.Loop)
	}
	if s.EqualizerPreset != "" {
		fields["equalizerPreset"] = s.EqualizerPreset
	}
	if s.CurrentTrack != nil {
		data, err := json.Marshal(s.CurrentTrack)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal current track: %w", err)
		}
		fields["currentTrack"] = data
	}
	return fields, nil
}

func parsePlayerState(guildID string, m map[string]string) (*model.PersistedPlayerState, error) {
	state := &model.PersistedPlayerState{
		GuildID:         guildID,
		VoiceChannelID:  m["voiceChannelId"],
		TextChannelID:   m["textChannelId"],
		Volume:          model.DefaultVolume,
		Loop:            model.ParseLoopMode(m["loop"]),
		EqualizerPreset: m["equalizerPreset"],
	}
	if state.EqualizerPreset == "" {
		state.EqualizerPreset = model.DefaultEqualizerPreset
	}

	if v, err := strconv.Atoi(m["volume"]); err == nil {
		state.Volume = v
	}
	if v, err := strconv.ParseInt(m["position"], 10, 64); err == nil {
		state.Position = v
	}
	if v, err := strconv.ParseInt(m["lastUpdatedAt"], 10, 64); err == nil {
		state.LastUpdatedAt = time.UnixMilli(v)
	}
	state.Paused, _ = strconv.ParseBool(m["paused"])
	state.Playing, _ = strconv.ParseBool(m["playing"])
	state.Autoplay, _ = strconv.ParseBool(m["autoplay"])
	state.Active, _ = strconv.ParseBool(m["active"])

	if raw, ok := m["currentTrack"]; ok && raw != "" {
		var t model.Track
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current track: %w", err)
		}
		state.CurrentTrack = &t
	}
	return state, nil
}
