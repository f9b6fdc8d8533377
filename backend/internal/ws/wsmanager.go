package ws

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"plotLines/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 非浏览器客户端通常不发送 Origin
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

type Manager struct {
	h   *Hub
	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, sem: sem}
}

// WebSocketConnect GET /collab/ws?documentId=...
// 需要前置鉴权中间件写入 userId / username
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	docID := c.Query("documentId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing documentId"})
		return
	}
	// 升级前确认文档存在
	if _, err := m.svc.CurrentVersion(c.Request.Context(), docID); err != nil {
		if errors.Is(err, collab.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "DOCUMENT_NOT_FOUND"})
			return
		}
		log.Printf("websocket precheck failed doc=%s err=%v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, docID, userID, username, m.svc, m.sem)
	m.h.Join(docID, wsConn)
	m.h.Touch(c.Request.Context(), wsConn)
	log.Printf("websocket joined doc=%s user=%d(%s)", docID, userID, username)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
	log.Printf("websocket left doc=%s user=%d", docID, userID)
}
