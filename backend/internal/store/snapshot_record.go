package store

import "time"

// SnapshotRecord 持久化的文档快照，(document_id, version) 唯一
type SnapshotRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_version,priority:1"`
	Version    int       `gorm:"not null;uniqueIndex:idx_doc_version,priority:2"`
	Checksum   string    `gorm:"type:varchar(32);not null"`
	Content    string    `gorm:"type:longtext;not null"` // []content.Block 的 JSON
	SnapshotAt time.Time `gorm:"not null"`
	CreatedAt  time.Time
}

func (SnapshotRecord) TableName() string { return "document_snapshots" }
