package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"plotLines/backend/internal/entity"
	"plotLines/backend/internal/store"
)

const (
	BaseTTL          = 24 * time.Hour   // 基础过期时间
	Jitter           = 60 * time.Minute // 随机抖动范围
	EmptyCacheMarker = "-1"             // 空值标记
	NullTTL          = 5 * time.Minute
)

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// SnapshotCache 缓存每个文档的最新快照
type SnapshotCache struct {
	rdb redis.UniversalClient
	sf  singleflight.Group
}

func NewSnapshotCache(rdb redis.UniversalClient) *SnapshotCache {
	return &SnapshotCache{rdb: rdb}
}

// readCache 返回 (快照, 是否命中, 错误)；命中空值标记时返回 store.ErrSnapshotNotFound
func (c *SnapshotCache) readCache(ctx context.Context, key string) (*entity.Snapshot, bool, error) {
	res, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if string(res) == EmptyCacheMarker {
		return nil, true, store.ErrSnapshotNotFound
	}
	var snap entity.Snapshot
	if err := json.Unmarshal(res, &snap); err != nil {
		// 坏数据当作未命中，回源后覆盖
		return nil, false, nil
	}
	return &snap, true, nil
}

func (c *SnapshotCache) writeCache(ctx context.Context, key string, snap *entity.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, getRandomTTL()).Err()
}

// 标记空值缓存，防止缓存穿透
func (c *SnapshotCache) writeNullCache(ctx context.Context, key string) error {
	return c.rdb.Set(ctx, key, EmptyCacheMarker, NullTTL).Err()
}

// GetLatest 组合策略 (Singleflight + 读缓存 + 回源 + 回填)
func (c *SnapshotCache) GetLatest(ctx context.Context, docID string, load func() (*entity.Snapshot, error)) (*entity.Snapshot, error) {
	key := snapshotKey(docID)
	val, err, _ := c.sf.Do(key, func() (interface{}, error) {
		snap, hit, err := c.readCache(ctx, key)
		if hit {
			return snap, err
		}
		if err != nil {
			// redis 不可用时直接回源
			log.Printf("snapshot cache read failed doc=%s err=%v", docID, err)
		}

		snap, err = load()
		if errors.Is(err, store.ErrSnapshotNotFound) {
			if werr := c.writeNullCache(ctx, key); werr != nil {
				log.Printf("snapshot cache write null failed doc=%s err=%v", docID, werr)
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		if werr := c.writeCache(ctx, key, snap); werr != nil {
			log.Printf("snapshot cache write failed doc=%s err=%v", docID, werr)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	// 使用断言确保不会panic
	snap, ok := val.(*entity.Snapshot)
	if !ok || snap == nil {
		return nil, errors.New("internal type error")
	}
	// singleflight 共享结果，返回副本
	cp := *snap
	return &cp, nil
}

func (c *SnapshotCache) Invalidate(ctx context.Context, docID string) error {
	return c.rdb.Del(ctx, snapshotKey(docID)).Err()
}
