package content

import (
	"github.com/google/uuid"
)

// Sanitize 尽力修复内容，永不失败：
//   - 丢弃非对象元素
//   - 缺失 id 时生成新 id，重复 id 追加唯一后缀
//   - 缺失 type 时回落为 FallbackType
//   - 非序列的 content 置为空序列
//   - 非映射的 props 直接移除（不置空对象，避免掩盖下游的原始错误）
//
// Sanitize(Sanitize(x)) 与 Sanitize(x) 相同。
func Sanitize(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	seen := make(map[string]struct{}, len(blocks))

	for _, b := range Clone(blocks) {
		if b.malformed {
			continue
		}

		if b.ID == "" {
			b.ID = newBlockID(seen)
		} else if _, dup := seen[b.ID]; dup {
			b.ID = disambiguate(b.ID, seen)
		}
		seen[b.ID] = struct{}{}

		if b.Type == "" {
			b.Type = FallbackType
		}
		if b.Content != nil && !isSequence(b.Content) {
			b.Content = []any{}
		}
		if b.Props != nil && !isMapping(b.Props) {
			b.Props = nil
		}
		out = append(out, b)
	}
	return out
}

func newBlockID(seen map[string]struct{}) string {
	for {
		id := "block-" + uuid.NewString()
		if _, taken := seen[id]; !taken {
			return id
		}
	}
}

func disambiguate(id string, seen map[string]struct{}) string {
	for {
		candidate := id + "-" + uuid.NewString()[:8]
		if _, taken := seen[candidate]; !taken {
			return candidate
		}
	}
}
