package ws

import (
	"encoding/json"

	"github.com/pkg/errors"

	"docguard/backend/internal/content"
)

const (
	TypeWelcome        = "welcome"
	TypeFeedback       = "feedback"
	TypeError          = "error"
	TypeIgnored        = "ignored"
	TypeHeartbeat      = "heartbeat"
	TypeEditorState    = "editorState"
	TypeLoadNote       = "loadNote"
	TypeSaveNote       = "saveNote"
	TypeSwitchNote     = "switchNote"
	TypeUpdateNote     = "updateNote"
	TypeGetBuffer      = "getBuffer"
	TypeEmergencyReset = "emergencyReset"
)

type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	DocID     string          `json:"docId"`
	FromDocID string          `json:"fromDocId,omitempty"` // switchNote 离开的文档，空表示没有
	Ready     *bool           `json:"ready,omitempty"`
	Loading   *bool           `json:"loading,omitempty"`
	Blocks    json.RawMessage `json:"blocks,omitempty"`
}

type ServerMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	DocID     string          `json:"docId,omitempty"`
	OK        bool            `json:"ok"`
	Blocks    []content.Block `json:"blocks,omitempty"`
	Version   int             `json:"version,omitempty"`
	Content   string          `json:"content,omitempty"`
}

var errBlocksNotSequence = errors.New("blocks is not a sequence")

// decodeBlocks 缺省或 null 返回 nil（交给校验器按"不是序列"处理）；
// 其他非数组值直接拒绝
func decodeBlocks(raw json.RawMessage) ([]content.Block, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var blocks []content.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, errors.Wrap(errBlocksNotSequence, err.Error())
	}
	return blocks, nil
}
