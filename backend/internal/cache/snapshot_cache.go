package cache

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"docguard/backend/internal/collab"
)

// SnapshotRepo 缓存背后的持久化层
type SnapshotRepo interface {
	collab.SnapshotWriter
	collab.SnapshotSource
	collab.SnapshotDeleter
}

// SnapshotCache 每个文档最新快照的 redis 缓存：读穿透（singleflight + 空值标记）、写穿透（先库后缓存）
type SnapshotCache struct {
	rdb    redis.UniversalClient
	repo   SnapshotRepo
	sf     singleflight.Group
	logger logrus.FieldLogger
}

// 确保 SnapshotCache 可以直接挂到协调器上
var (
	_ collab.SnapshotWriter  = (*SnapshotCache)(nil)
	_ collab.SnapshotSource  = (*SnapshotCache)(nil)
	_ collab.SnapshotDeleter = (*SnapshotCache)(nil)
)

func NewSnapshotCache(rdb redis.UniversalClient, repo SnapshotRepo, logger logrus.FieldLogger) *SnapshotCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SnapshotCache{
		rdb:    rdb,
		repo:   repo,
		logger: logger.WithField("component", "snapshot_cache"),
	}
}

func (c *SnapshotCache) LatestSnapshot(ctx context.Context, documentID string) (*collab.Snapshot, error) {
	return c.getWithProtection(ctx, latestKey(documentID), func() (*collab.Snapshot, error) {
		return c.repo.LatestSnapshot(ctx, documentID)
	})
}

// SaveSnapshot 库写失败则整体失败；缓存写失败只记日志（下次读会回源）
func (c *SnapshotCache) SaveSnapshot(ctx context.Context, snap collab.Snapshot) error {
	if err := c.repo.SaveSnapshot(ctx, snap); err != nil {
		return errors.Wrap(err, "persist snapshot")
	}
	key := latestKey(snap.DocumentID)
	if err := c.writeCache(ctx, key, snap); err != nil {
		c.logger.WithField("action", "cache_write").WithField("docId", snap.DocumentID).WithError(err).Warn("redis write failed, dropping key")
		_ = c.rdb.Del(ctx, key).Err()
	}
	return nil
}

// DeleteSnapshot 先删库再删缓存键，下次读取回源拿到删除后的最新版本
func (c *SnapshotCache) DeleteSnapshot(ctx context.Context, documentID string, version int) error {
	if err := c.repo.DeleteSnapshot(ctx, documentID, version); err != nil {
		return errors.Wrap(err, "delete persisted snapshot")
	}
	if err := c.Invalidate(ctx, documentID); err != nil {
		c.logger.WithField("action", "cache_invalidate").WithField("docId", documentID).WithError(err).Warn("redis delete failed")
	}
	return nil
}

func (c *SnapshotCache) Invalidate(ctx context.Context, documentID string) error {
	return c.rdb.Del(ctx, latestKey(documentID)).Err()
}
