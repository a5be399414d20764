package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"DrumRoom/core/pattern"
	"DrumRoom/logger"

	"github.com/go-redis/redis/v8"
)

const (
	roomStateKey = "drumroom:room:%s:state" // String: 房间快照 JSON
	roomIndexKey = "drumroom:rooms"         // Sorted Set: roomID -> 保存时间(毫秒)
	roomTTL      = 24 * time.Hour
)

// RoomCache 房间快照缓存，实现 room.Store
type RoomCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRoomCache 使用全局 Redis 客户端
func NewRoomCache() *RoomCache {
	return NewRoomCacheWithClient(RedisClient)
}

func NewRoomCacheWithClient(client *redis.Client) *RoomCache {
	return &RoomCache{client: client, ttl: roomTTL}
}

// CachedRoom 缓存中的一个房间概要（redis --rooms 用）
type CachedRoom struct {
	RoomID    string
	SavedAt   time.Time
	BPM       int
	Measures  int
	Tracks    int
	NoteCount int
}

func stateKey(roomID string) string {
	return fmt.Sprintf(roomStateKey, roomID)
}

// SaveRoom 写入快照并刷新过期时间
func (c *RoomCache) SaveRoom(ctx context.Context, roomID string, state pattern.State) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal room state: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, stateKey(roomID), data, c.ttl)
	pipe.ZAdd(ctx, roomIndexKey, &redis.Z{Score: float64(time.Now().UnixMilli()), Member: roomID})
	pipe.Expire(ctx, roomIndexKey, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadRoom 读取快照，不存在时返回 nil, nil
func (c *RoomCache) LoadRoom(ctx context.Context, roomID string) (*pattern.State, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	data, err := c.client.Get(ctx, stateKey(roomID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var state pattern.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room state: %w", err)
	}
	return &state, nil
}

// DeleteRoom 房间销毁时删除快照
func (c *RoomCache) DeleteRoom(ctx context.Context, roomID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, stateKey(roomID))
	pipe.ZRem(ctx, roomIndexKey, roomID)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RoomCache) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if c.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}
	n, err := c.client.Exists(ctx, stateKey(roomID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRooms 按保存时间倒序列出缓存的房间，顺便清理已过期的索引项
func (c *RoomCache) ListRooms(ctx context.Context) ([]CachedRoom, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	entries, err := c.client.ZRevRangeWithScores(ctx, roomIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	rooms := make([]CachedRoom, 0, len(entries))
	expired := make([]interface{}, 0)
	for _, z := range entries {
		roomID, ok := z.Member.(string)
		if !ok {
			continue
		}
		state, err := c.LoadRoom(ctx, roomID)
		if err != nil {
			logger.Warn("failed to load cached room", logger.ErrorField(err), logger.RoomID(roomID))
			continue
		}
		if state == nil {
			// 快照已过期
			expired = append(expired, roomID)
			continue
		}
		rooms = append(rooms, CachedRoom{
			RoomID:    roomID,
			SavedAt:   time.UnixMilli(int64(z.Score)),
			BPM:       state.BPM,
			Measures:  state.MeasureCount,
			Tracks:    len(state.Tracks),
			NoteCount: state.NoteCount(),
		})
	}

	if len(expired) > 0 {
		c.client.ZRem(ctx, roomIndexKey, expired...)
	}
	return rooms, nil
}
