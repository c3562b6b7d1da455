package cache

import "fmt"

// 键语义：
// - latestKey(docID): 文档最新快照（String，JSON 或空值标记）
//
// {} 内是 hash tag，同一文档的键落在同一个 cluster slot

const (
	keyLatestFmt = "docguard:snapshot:latest:{docID:%s}"
)

func latestKey(docID string) string { return fmt.Sprintf(keyLatestFmt, docID) }
