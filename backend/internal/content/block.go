package content

import (
	"encoding/json"
	"reflect"
)

// Block 文档内容块，本包只关心结构，不解释块语义
type Block struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"` // 合法时为序列
	Props   any    `json:"props,omitempty"`   // 合法时为映射

	// 反序列化时遇到非对象元素（数字、字符串、null 等）
	malformed bool
}

// UnmarshalJSON 宽松解码：单个块的形状错误交给校验器报告，而不是让整个文档解码失败
func (b *Block) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		*b = Block{malformed: true}
		return nil
	}
	// 非字符串的 id/type 视为缺失
	id, _ := raw["id"].(string)
	typ, _ := raw["type"].(string)
	*b = Block{
		ID:      id,
		Type:    typ,
		Content: raw["content"],
		Props:   raw["props"],
	}
	return nil
}

// Malformed 报告该元素在解码时是否不是对象
func (b Block) Malformed() bool { return b.malformed }

// Clone 深拷贝块序列，调用方拿到的副本与权威数据不共享任何可变引用
// nil 保持为 nil（表示"不存在"），空序列保持为非 nil 空序列
func Clone(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = Block{
			ID:        b.ID,
			Type:      b.Type,
			Content:   deepCopy(b.Content),
			Props:     deepCopy(b.Props),
			malformed: b.malformed,
		}
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepCopy(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = deepCopy(val)
		}
		return out
	case []Block:
		return Clone(x)
	case string, bool, float64, float32, int, int64, int32, uint64, uint32, json.Number:
		return x
	}
	// 其余类型（调用方自行构造的切片/映射）走一次 JSON 往返，得到与解码结果同形的副本
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// 判断字段值是否为序列（数组/切片，[]byte 除外）
func isSequence(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// 判断字段值是否为以字符串为键的映射
func isMapping(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	return t.Kind() == reflect.Map && t.Key().Kind() == reflect.String
}
