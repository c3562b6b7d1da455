package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"docguard/backend/internal/collab"
)

const DefaultOperationTimeout = 35 * time.Second

// 允许本地开发环境的来源
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type ManagerOptions struct {
	// 单个操作（含排队等待）的最长时间
	OperationTimeout time.Duration
	Logger           logrus.FieldLogger
}

type Manager struct {
	editor    Editor
	buffer    Buffer
	sem       *collab.SemaphoreControl
	opTimeout time.Duration
	logger    logrus.FieldLogger
}

func NewManager(editor Editor, buffer Buffer, sem *collab.SemaphoreControl, opt ManagerOptions) *Manager {
	if opt.OperationTimeout <= 0 {
		opt.OperationTimeout = DefaultOperationTimeout
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	return &Manager{
		editor:    editor,
		buffer:    buffer,
		sem:       sem,
		opTimeout: opt.OperationTimeout,
		logger:    opt.Logger.WithField("component", "ws"),
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.WithField("action", "ws_upgrade").
			WithField("origin", c.Request.Header.Get("Origin")).
			WithError(err).Warn("websocket upgrade error")
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.editor, m.buffer, m.sem, m.opTimeout,
		m.logger.WithField("remote", c.Request.RemoteAddr))

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.send <- ServerMessage{Type: TypeWelcome, OK: true, Content: "docguard ready"}

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
