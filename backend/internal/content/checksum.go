package content

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Checksum 对块序列的规范 JSON 序列化计算 xxhash64，结果与顺序相关。
//
// 只用于检测意外的数据分歧（序列化错误、误改共享引用），不是密码学摘要，
// 不能用作防篡改手段。
func Checksum(blocks []Block) string {
	if blocks == nil {
		blocks = []Block{}
	}
	// encoding/json 对 map 的键排序输出，同一内容得到同一字节序列
	data, err := json.Marshal(blocks)
	if err != nil {
		// 无法序列化的内容（如 chan、func）退化为只按 id/type 计算
		d := xxhash.New()
		for _, b := range blocks {
			_, _ = d.WriteString(b.ID)
			_, _ = d.WriteString("\x00")
			_, _ = d.WriteString(b.Type)
			_, _ = d.WriteString("\x01")
		}
		return strconv.FormatUint(d.Sum64(), 16)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}
