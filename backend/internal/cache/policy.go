package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"docguard/backend/internal/collab"
)

const (
	BaseTTL          = 24 * time.Hour   // 基础过期时间
	Jitter           = 60 * time.Minute // 随机抖动范围
	EmptyTTL         = 5 * time.Minute
	EmptyCacheMarker = "-1" // 空值标记
)

// 随机 TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// readCache 返回 (快照, 是否命中, 错误)。命中空值标记时快照为 nil、命中为 true。
func (c *SnapshotCache) readCache(ctx context.Context, key string) (*collab.Snapshot, bool, error) {
	res, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if res == EmptyCacheMarker {
		return nil, true, nil
	}
	var snap collab.Snapshot
	if err := json.Unmarshal([]byte(res), &snap); err != nil {
		// 坏数据当作未命中，回源后会被覆盖
		return nil, false, nil
	}
	return &snap, true, nil
}

func (c *SnapshotCache) writeCache(ctx context.Context, key string, snap collab.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, getRandomTTL()).Err()
}

// 标记空值缓存，防止缓存穿透
func (c *SnapshotCache) writeNullCache(ctx context.Context, key string) error {
	return c.rdb.Set(ctx, key, EmptyCacheMarker, EmptyTTL).Err()
}

// getWithProtection Singleflight 包住 读缓存 → 回源 → 回填 整个流程
func (c *SnapshotCache) getWithProtection(
	ctx context.Context,
	key string,
	fetchDB func() (*collab.Snapshot, error),
) (*collab.Snapshot, error) {
	val, err, _ := c.sf.Do(key, func() (interface{}, error) {
		snap, hit, err := c.readCache(ctx, key)
		if err != nil {
			// redis 故障时降级为直接查库
			c.logger.WithField("action", "cache_read").WithField("key", key).WithError(err).Warn("redis read failed")
		} else if hit {
			return snap, nil
		}

		snap, err = fetchDB()
		if err != nil {
			return nil, err
		}
		if snap == nil {
			_ = c.writeNullCache(ctx, key)
			return (*collab.Snapshot)(nil), nil
		}
		if err := c.writeCache(ctx, key, *snap); err != nil {
			c.logger.WithField("action", "cache_fill").WithField("key", key).WithError(err).Warn("redis fill failed")
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	// 使用断言确保不会 panic
	snap, ok := val.(*collab.Snapshot)
	if !ok {
		return nil, errors.New("internal type error")
	}
	return snap, nil
}
