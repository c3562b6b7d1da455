package collab

import (
	"time"

	"docguard/backend/internal/content"
)

const SnapshotEventType = "SNAPSHOT_CREATED"

// SnapshotEvent 新快照的下游通知，按 docId 分区
type SnapshotEvent struct {
	EventType string          `json:"eventType"` // 固定 "SNAPSHOT_CREATED"
	DocID     string          `json:"docId"`
	Version   int             `json:"version"`
	Checksum  string          `json:"checksum"`
	Reason    string          `json:"reason"` // 触发快照的操作：save / update / switch / validateSync
	Blocks    []content.Block `json:"blocks"`
	CreatedAt time.Time       `json:"createdAt"`
}
