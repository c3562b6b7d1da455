package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"docguard/backend/internal/collab"
	"docguard/backend/internal/content"
)

// Editor 连接层需要的协调器能力
type Editor interface {
	LoadNote(ctx context.Context, documentID string) bool
	SaveNote(ctx context.Context, documentID string, blocks []content.Block) bool
	SwitchNote(ctx context.Context, fromID, toID string) bool
	UpdateNote(ctx context.Context, documentID string, blocks []content.Block) bool
	EmergencyReset()
}

// Buffer 连接层需要的缓冲区能力
type Buffer interface {
	SetEditorReady(ready bool)
	SetEditorLoading(loading bool)
	GetBuffer(documentID string) ([]content.Block, bool)
	State(documentID string) (collab.BufferState, bool)
}

type Conn struct {
	ws     *websocket.Conn
	editor Editor
	buffer Buffer
	// 限制同时执行的协调操作数量
	sem       *collab.SemaphoreControl
	opTimeout time.Duration
	logger    logrus.FieldLogger
	send      chan ServerMessage
}

func NewConn(ws *websocket.Conn, editor Editor, buffer Buffer, sem *collab.SemaphoreControl, opTimeout time.Duration, logger logrus.FieldLogger) *Conn {
	return &Conn{
		ws:        ws,
		editor:    editor,
		buffer:    buffer,
		sem:       sem,
		opTimeout: opTimeout,
		logger:    logger,
		send:      make(chan ServerMessage, 32),
	}
}

func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
		// 队列满了，丢弃
		c.logger.WithField("action", "ws_send").WithField("type", msg.Type).Warn("send queue full, dropping message")
	}
}

func reply(req ClientMessage, ok bool) ServerMessage {
	return ServerMessage{Type: req.Type, RequestID: req.RequestID, DocID: req.DocID, OK: ok}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithField("action", "ws_read").WithError(err).Warn("read json error")
			}
			return
		}
		switch msg.Type {
		case TypeHeartbeat:
			c.enqueue(ServerMessage{Type: TypeFeedback, RequestID: msg.RequestID, OK: true, Content: "Heartbeat received"})

		case TypeEditorState:
			if msg.Ready != nil {
				c.buffer.SetEditorReady(*msg.Ready)
			}
			if msg.Loading != nil {
				c.buffer.SetEditorLoading(*msg.Loading)
			}
			c.enqueue(reply(msg, true))

		case TypeLoadNote, TypeSaveNote, TypeSwitchNote, TypeUpdateNote:
			c.handleOperation(ctx, msg)

		case TypeGetBuffer:
			c.enqueue(c.bufferReply(msg, true))

		case TypeEmergencyReset:
			c.editor.EmergencyReset()
			c.logger.WithField("action", "ws_emergency_reset").Warn("emergency reset requested by client")
			c.enqueue(reply(msg, true))

		default:
			// 忽略未知类型
			c.enqueue(ServerMessage{Type: TypeIgnored, RequestID: msg.RequestID, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) {
	log := c.logger.WithField("action", "ws_"+msg.Type).WithField("docId", msg.DocID)
	if msg.DocID == "" {
		out := reply(msg, false)
		out.Content = "missing docId"
		c.enqueue(out)
		return
	}

	var blocks []content.Block
	if msg.Type == TypeSaveNote || msg.Type == TypeUpdateNote {
		var err error
		if blocks, err = decodeBlocks(msg.Blocks); err != nil {
			log.WithError(err).Warn("rejecting request with malformed blocks")
			out := reply(msg, false)
			out.Content = err.Error()
			c.enqueue(out)
			return
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if c.sem != nil {
		semCtx, semCancel := context.WithTimeout(opCtx, 200*time.Millisecond)
		err := c.sem.Acquire(semCtx)
		semCancel()
		if err != nil {
			c.enqueue(ServerMessage{Type: TypeError, RequestID: msg.RequestID, DocID: msg.DocID, Content: err.Error()})
			return
		}
		defer func() { _ = c.sem.Release() }()
	}

	var ok bool
	switch msg.Type {
	case TypeLoadNote:
		ok = c.editor.LoadNote(opCtx, msg.DocID)
	case TypeSaveNote:
		ok = c.editor.SaveNote(opCtx, msg.DocID, blocks)
	case TypeSwitchNote:
		ok = c.editor.SwitchNote(opCtx, msg.FromDocID, msg.DocID)
	case TypeUpdateNote:
		ok = c.editor.UpdateNote(opCtx, msg.DocID, blocks)
	}
	log.WithField("ok", ok).Debug("operation finished")

	if msg.Type == TypeLoadNote || msg.Type == TypeSwitchNote {
		c.enqueue(c.bufferReply(msg, ok))
		return
	}
	out := reply(msg, ok)
	if state, exists := c.buffer.State(msg.DocID); exists && ok {
		out.Version = state.Version
	}
	c.enqueue(out)
}

// bufferReply 带上当前缓冲区内容；第一次读到损坏会触发恢复，再读一次
func (c *Conn) bufferReply(msg ClientMessage, ok bool) ServerMessage {
	out := reply(msg, ok)
	blocks, found := c.buffer.GetBuffer(msg.DocID)
	if !found {
		blocks, found = c.buffer.GetBuffer(msg.DocID)
	}
	if !found {
		if msg.Type == TypeGetBuffer {
			out.OK = false
		}
		return out
	}
	out.Blocks = blocks
	if state, exists := c.buffer.State(msg.DocID); exists {
		out.Version = state.Version
	}
	return out
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的 ServerMessage
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.WithField("action", "ws_write").WithError(err).Debug("write json error")
		}
	}
}
