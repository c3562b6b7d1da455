package content

import (
	"fmt"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// 错误数超过该值时整体严重度至少提升到 high
const maxErrorsBeforeEscalation = 5

// FallbackType 缺失或非法 type 时的默认块类型
const FallbackType = "paragraph"

// DefaultBlockTypes 编辑器已知的块类型；未知类型只告警（向前兼容）
var DefaultBlockTypes = []string{
	"paragraph",
	"heading",
	"bulletListItem",
	"numberedListItem",
	"checkListItem",
	"quote",
	"codeBlock",
	"table",
	"image",
	"video",
	"audio",
	"file",
	"divider",
}

type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Severity Severity `json:"severity"`
}

func (r *ValidationResult) addError(sev Severity, format string, args ...any) {
	r.IsValid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	if sev > r.Severity {
		r.Severity = sev
	}
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func newResult() ValidationResult {
	return ValidationResult{IsValid: true, Errors: []string{}, Warnings: []string{}, Severity: SeverityLow}
}

// Integrity 不会失败的诊断摘要
type Integrity struct {
	HasValidStructure bool     `json:"hasValidStructure"`
	HasValidIds       bool     `json:"hasValidIds"`
	HasValidTypes     bool     `json:"hasValidTypes"`
	HasValidContent   bool     `json:"hasValidContent"`
	BlockCount        int      `json:"blockCount"`
	Issues            []string `json:"issues"`
}

// Validator 纯结构校验器，无状态；只持有已知块类型表
type Validator struct {
	knownTypes map[string]struct{}
}

func NewValidator(knownTypes ...string) *Validator {
	if len(knownTypes) == 0 {
		knownTypes = DefaultBlockTypes
	}
	v := &Validator{knownTypes: make(map[string]struct{}, len(knownTypes))}
	for _, t := range knownTypes {
		v.knownTypes[t] = struct{}{}
	}
	return v
}

func (v *Validator) IsKnownType(t string) bool {
	_, ok := v.knownTypes[t]
	return ok
}

// ValidateContent 校验文档内容结构。nil 表示内容不是序列（缺失），直接判为 critical
func (v *Validator) ValidateContent(blocks []Block) ValidationResult {
	res := newResult()
	if blocks == nil {
		res.addError(SeverityCritical, "content is not a sequence")
		return res
	}

	seen := make(map[string]int, len(blocks))
	for i, b := range blocks {
		if b.malformed {
			res.addError(SeverityHigh, "block %d is not an object", i)
			continue
		}
		if b.ID == "" {
			res.addError(SeverityHigh, "block %d: missing or non-string id", i)
		} else if first, dup := seen[b.ID]; dup {
			res.addError(SeverityCritical, "block %d: duplicate id %q (first seen at block %d)", i, b.ID, first)
		} else {
			seen[b.ID] = i
		}

		if b.Type == "" {
			res.addError(SeverityHigh, "block %d: missing or non-string type", i)
		} else if !v.IsKnownType(b.Type) {
			res.addWarning("block %d: unknown type %q", i, b.Type)
		}

		if b.Content != nil && !isSequence(b.Content) {
			res.addWarning("block %d: content is not a sequence", i)
		}
		if b.Props != nil && !isMapping(b.Props) {
			res.addWarning("block %d: props is not a mapping", i)
		}
	}

	if len(res.Errors) > maxErrorsBeforeEscalation && res.Severity < SeverityHigh {
		res.Severity = SeverityHigh
	}
	return res
}

// GetContentIntegrity 总能返回结果；nil 视为零个块且结构无效
func (v *Validator) GetContentIntegrity(blocks []Block) Integrity {
	in := Integrity{
		HasValidStructure: blocks != nil,
		HasValidIds:       true,
		HasValidTypes:     true,
		HasValidContent:   true,
		BlockCount:        len(blocks),
		Issues:            []string{},
	}
	if blocks == nil {
		in.Issues = append(in.Issues, "content is not a sequence")
		return in
	}

	seen := make(map[string]struct{}, len(blocks))
	for i, b := range blocks {
		if b.malformed {
			in.HasValidStructure = false
			in.Issues = append(in.Issues, fmt.Sprintf("block %d is not an object", i))
			continue
		}
		if b.ID == "" {
			in.HasValidIds = false
			in.Issues = append(in.Issues, fmt.Sprintf("block %d has no id", i))
		} else if _, dup := seen[b.ID]; dup {
			in.HasValidIds = false
			in.Issues = append(in.Issues, fmt.Sprintf("block %d duplicates id %q", i, b.ID))
		} else {
			seen[b.ID] = struct{}{}
		}
		if b.Type == "" {
			in.HasValidTypes = false
			in.Issues = append(in.Issues, fmt.Sprintf("block %d has no type", i))
		}
		if (b.Content != nil && !isSequence(b.Content)) || (b.Props != nil && !isMapping(b.Props)) {
			in.HasValidContent = false
			in.Issues = append(in.Issues, fmt.Sprintf("block %d has malformed content or props", i))
		}
	}
	return in
}

// ValidateStateConsistency 比较 buffer 与最新快照。nil 表示该侧不存在
// 只比较 id 集合（与顺序无关）；长度不同只告警
func (v *Validator) ValidateStateConsistency(documentID string, buffer, snapshot []Block) ValidationResult {
	res := newResult()
	switch {
	case buffer == nil && snapshot == nil:
		return res
	case buffer == nil:
		res.addError(SeverityHigh, "document %s: snapshot exists but buffer is missing", documentID)
		return res
	case snapshot == nil:
		res.addError(SeverityHigh, "document %s: buffer exists but snapshot is missing", documentID)
		return res
	}

	if len(buffer) != len(snapshot) {
		res.addWarning("document %s: buffer has %d blocks, snapshot has %d", documentID, len(buffer), len(snapshot))
	}

	bufIDs := idSet(buffer)
	snapIDs := idSet(snapshot)
	if len(bufIDs) != len(snapIDs) {
		res.addError(SeverityMedium, "document %s: block id sets differ", documentID)
		return res
	}
	for id := range bufIDs {
		if _, ok := snapIDs[id]; !ok {
			res.addError(SeverityMedium, "document %s: block id sets differ (%q only in buffer)", documentID, id)
			return res
		}
	}
	return res
}

func idSet(blocks []Block) map[string]struct{} {
	out := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		out[b.ID] = struct{}{}
	}
	return out
}
