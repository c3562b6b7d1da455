package collab

import (
	"time"

	"docguard/backend/internal/content"
)

const DefaultMaxSnapshots = 10

// Snapshot 某个保存点的不可变内容副本
type Snapshot struct {
	DocumentID string          `json:"documentId"`
	Content    []content.Block `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	Checksum   string          `json:"checksum"`
	Version    int             `json:"version"`
}

func (s Snapshot) clone() Snapshot {
	s.Content = content.Clone(s.Content)
	return s
}

// 每个文档最近 N 个快照，满了丢弃最老的一条。
// last 记录发出过的最大版本号，撤销快照后也不回退，避免同一版本号对应两份内容。
type snapshotHistory struct {
	entries []Snapshot
	last    int
}

func newSnapshotHistory(capacity int) *snapshotHistory {
	if capacity <= 0 {
		capacity = DefaultMaxSnapshots
	}
	return &snapshotHistory{entries: make([]Snapshot, 0, capacity)}
}

func (h *snapshotHistory) append(s Snapshot) {
	if cap(h.entries) > 0 && len(h.entries) == cap(h.entries) {
		copy(h.entries[0:], h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, s)
	if s.Version > h.last {
		h.last = s.Version
	}
}

// restore 用操作开始前的副本替换历史，last 保持不变
func (h *snapshotHistory) restore(entries []Snapshot) {
	h.entries = h.entries[:0]
	h.entries = append(h.entries, entries...)
}

func (h *snapshotHistory) latest() *Snapshot {
	if h == nil || len(h.entries) == 0 {
		return nil
	}
	s := h.entries[len(h.entries)-1].clone()
	return &s
}

// previous 倒数第二个快照，即最近一次保存之前的状态
func (h *snapshotHistory) previous() *Snapshot {
	if h == nil || len(h.entries) < 2 {
		return nil
	}
	s := h.entries[len(h.entries)-2].clone()
	return &s
}

func (h *snapshotHistory) nextVersion() int {
	if h == nil {
		return 1
	}
	return h.last + 1
}

func (h *snapshotHistory) len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

func (h *snapshotHistory) all() []Snapshot {
	if h == nil {
		return nil
	}
	out := make([]Snapshot, len(h.entries))
	for i, s := range h.entries {
		out[i] = s.clone()
	}
	return out
}
