package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plotLines/backend/internal/collab"
	"plotLines/backend/internal/ot/command"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	acquireTimeout = 200 * time.Millisecond
	acceptTimeout  = 5 * time.Second
	sendQueueSize  = 64
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	userID   uint64
	username string
	// 出站队列，只由 writeLoop 消费；不关闭，退出靠 closed
	send      chan OutboundMessage
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	cursor json.RawMessage

	//协作引擎服务
	svc collab.Service
	// 信号量控制
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, docID string, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		docID:    docID,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, sendQueueSize),
		closed:   make(chan struct{}),
		svc:      svc,
		sem:      sem,
	}
}

// SendMessage_Enqueue 不阻塞；连接已关闭或队列已满时返回 false
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) Cursor() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) handleSteps(ctx context.Context, msg ClientMessage) {
	if msg.DocID != c.docID {
		c.SendMessage_Enqueue(ErrorMessage{Type: TypeError, DocID: msg.DocID, Error: "DOCUMENT_MISMATCH"})
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx); err != nil {
		c.SendMessage_Enqueue(ErrorMessage{Type: TypeError, DocID: c.docID, Error: err.Error()})
		return
	}
	defer c.sem.Release()

	acceptCtx, cancelAccept := context.WithTimeout(ctx, acceptTimeout)
	defer cancelAccept()
	version, err := c.svc.AcceptSteps(acceptCtx, c.docID, msg.Version, msg.Steps, msg.ClientID, c.userID)
	switch {
	case err == nil:
		c.SendMessage_Enqueue(AckMessage{Type: TypeAck, Message: AckSuccess, Version: version, DocID: c.docID})
	case errors.Is(err, collab.ErrVersionConflict):
		c.SendMessage_Enqueue(ConflictMessage{Type: TypeConflict, Error: VersionMismatch, DocID: c.docID})
	case errors.Is(err, command.ErrMalformedStep), errors.Is(err, collab.ErrEmptyBatch):
		log.Printf("steps rejected doc=%s user=%d client=%s err=%v", c.docID, c.userID, msg.ClientID, err)
		c.SendMessage_Enqueue(ErrorMessage{Type: TypeError, DocID: c.docID, Error: err.Error()})
	default:
		log.Printf("accept steps failed doc=%s user=%d client=%s err=%v", c.docID, c.userID, msg.ClientID, err)
		c.SendMessage_Enqueue(ErrorMessage{Type: TypeError, DocID: c.docID, Error: "PERSISTENCE_FAILED"})
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context, msg ClientMessage) {
	if len(msg.Cursor) > 0 {
		c.mu.Lock()
		c.cursor = append(json.RawMessage(nil), msg.Cursor...)
		c.mu.Unlock()
	}
	c.hub.Touch(ctx, c)

	version, err := c.svc.CurrentVersion(ctx, c.docID)
	if err != nil {
		log.Printf("current version error doc=%s err=%v", c.docID, err)
	}
	c.SendMessage_Enqueue(PresenceMessage{
		Type:      TypePresence,
		DocID:     c.docID,
		OTVersion: version,
		Members:   c.hub.Members(ctx, c.docID),
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.close()
		c.hub.Leave(c.docID, c)
		c.hub.Forget(context.Background(), c)
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read json error (user=%d, doc=%s): %v", c.userID, c.docID, err)
			}
			return
		}
		// 任何消息都说明连接还活着
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case TypeSteps:
			c.handleSteps(ctx, msg)
		case TypeHeartbeat:
			c.handleHeartbeat(ctx, msg)
		default:
			c.SendMessage_Enqueue(ErrorMessage{Type: TypeError, DocID: c.docID, Error: "UNKNOWN_MESSAGE_TYPE"})
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("write json error (user=%d, doc=%s): %v", c.userID, c.docID, err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
