package store

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docguard/backend/internal/collab"
	"docguard/backend/internal/content"
)

// SnapshotStore 快照的持久化层，同时满足 collab.SnapshotWriter 和 collab.SnapshotSource
type SnapshotStore struct {
	db *gorm.DB
	// 每个文档最多保留多少个持久化快照，<=0 不裁剪
	keepPerDocument int
}

var (
	_ collab.SnapshotWriter  = (*SnapshotStore)(nil)
	_ collab.SnapshotSource  = (*SnapshotStore)(nil)
	_ collab.SnapshotDeleter = (*SnapshotStore)(nil)
)

func NewSnapshotStore(db *gorm.DB, keepPerDocument int) *SnapshotStore {
	return &SnapshotStore{db: db, keepPerDocument: keepPerDocument}
}

func (s *SnapshotStore) AutoMigrate(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(&SnapshotRecord{}), "migrate document_snapshots")
}

// SaveSnapshot 写入一条快照；同一 (doc, version) 重复写入直接忽略
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap collab.Snapshot) error {
	body, err := json.Marshal(snap.Content)
	if err != nil {
		return errors.Wrapf(err, "encode snapshot %s v%d", snap.DocumentID, snap.Version)
	}
	rec := SnapshotRecord{
		DocumentID: snap.DocumentID,
		Version:    snap.Version,
		Checksum:   snap.Checksum,
		Content:    string(body),
		SnapshotAt: snap.Timestamp,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		// 1062 = duplicate key
		var mysqlErr *mysql.MySQLError
		if !stderrors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
			return errors.Wrapf(err, "insert snapshot %s v%d", snap.DocumentID, snap.Version)
		}
	}
	if s.keepPerDocument > 0 {
		if _, err := s.PruneDocumentSnapshots(ctx, snap.DocumentID, s.keepPerDocument); err != nil {
			return err
		}
	}
	return nil
}

// LatestSnapshot 返回版本号最大的快照；没找到返回 nil, nil
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, documentID string) (*collab.Snapshot, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version DESC").
		First(&rec).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "query latest snapshot %s", documentID)
	}
	return rec.toSnapshot()
}

// DeleteSnapshot 删除单个版本，不存在时不报错
func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, documentID string, version int) error {
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version = ?", documentID, version).
		Delete(&SnapshotRecord{}).Error
	return errors.Wrapf(err, "delete snapshot %s v%d", documentID, version)
}

// Versions 按升序返回某文档持久化的全部版本号
func (s *SnapshotStore) Versions(ctx context.Context, documentID string) ([]int, error) {
	var versions []int
	err := s.db.WithContext(ctx).Model(&SnapshotRecord{}).
		Where("document_id = ?", documentID).
		Order("version ASC").
		Pluck("version", &versions).Error
	return versions, errors.Wrapf(err, "list versions %s", documentID)
}

// PruneDocumentSnapshots 只保留最新的 keep 个版本，返回删除条数
func (s *SnapshotStore) PruneDocumentSnapshots(ctx context.Context, documentID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var boundary []int
	err := s.db.WithContext(ctx).Model(&SnapshotRecord{}).
		Where("document_id = ?", documentID).
		Order("version DESC").
		Offset(keep-1).
		Limit(1).
		Pluck("version", &boundary).Error
	if err != nil {
		return 0, errors.Wrapf(err, "find prune boundary %s", documentID)
	}
	if len(boundary) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("document_id = ? AND version < ?", documentID, boundary[0]).
		Delete(&SnapshotRecord{})
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "prune snapshots %s", documentID)
	}
	return res.RowsAffected, nil
}

func (r SnapshotRecord) toSnapshot() (*collab.Snapshot, error) {
	var blocks []content.Block
	if err := json.Unmarshal([]byte(r.Content), &blocks); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s v%d", r.DocumentID, r.Version)
	}
	if blocks == nil {
		blocks = []content.Block{}
	}
	return &collab.Snapshot{
		DocumentID: r.DocumentID,
		Content:    blocks,
		Timestamp:  r.SnapshotAt,
		Checksum:   r.Checksum,
		Version:    r.Version,
	}, nil
}
