package ws

import (
	"context"
	"log"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"plotLines/backend/internal/cache"
	"plotLines/backend/internal/collab"
)

type Hub struct {
	// 在线状态的共享存储，为 nil 时只统计本实例的连接
	presence    cache.PresenceCache
	presenceTTL time.Duration

	mu sync.RWMutex
	// docID -> set of connections
	// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
	rooms map[string]mapset.Set[*Conn]
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	return &Hub{presence: p, presenceTTL: presenceTTL, rooms: make(map[string]mapset.Set[*Conn])}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[docID]
	if !ok {
		room = mapset.NewSet[*Conn]()
		h.rooms[docID] = room
	}
	room.Add(c)
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[docID]; ok {
		room.Remove(c)
		if room.Cardinality() == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	room := h.rooms[docID]
	h.mu.RUnlock()
	if room == nil {
		return nil
	}
	return room.ToSlice()
}

// BroadcastSteps 把已提交的步骤推给房间内所有连接，包括提交者本身
func (h *Hub) BroadcastSteps(batch collab.StepsBatch) {
	msg := StepsMessage{
		Type:     TypeSteps,
		DocID:    batch.DocID,
		Version:  batch.Version,
		Steps:    batch.Steps,
		ClientID: batch.ClientID,
	}
	for _, c := range h.conns(batch.DocID) {
		if !c.SendMessage_Enqueue(msg) {
			log.Printf("broadcast dropped, send queue full doc=%s version=%d user=%d", batch.DocID, batch.Version, c.userID)
		}
	}
}

// Touch 刷新一个连接的在线状态
func (h *Hub) Touch(ctx context.Context, c *Conn) {
	if h.presence == nil {
		return
	}
	if err := h.presence.AddMember(ctx, c.docID, c.userID, c.username, h.presenceTTL); err != nil {
		log.Printf("add member error doc=%s user=%d err=%v", c.docID, c.userID, err)
	}
	if cur := c.Cursor(); len(cur) > 0 {
		if err := h.presence.SetCursor(ctx, c.docID, c.userID, cur, h.presenceTTL); err != nil {
			log.Printf("set cursor error doc=%s user=%d err=%v", c.docID, c.userID, err)
		}
	}
}

// Forget 连接断开时清理在线状态；同一用户还有其他连接时保留
func (h *Hub) Forget(ctx context.Context, c *Conn) {
	if h.presence == nil {
		return
	}
	for _, other := range h.conns(c.docID) {
		if other != c && other.userID == c.userID {
			return
		}
	}
	if err := h.presence.RemoveMember(ctx, c.docID, c.userID); err != nil {
		log.Printf("remove member error doc=%s user=%d err=%v", c.docID, c.userID, err)
	}
}

// Members 返回文档的在线成员及光标
func (h *Hub) Members(ctx context.Context, docID string) []PresenceMember {
	if h.presence != nil {
		members, err := h.presence.GetAliveMembersWithNames(ctx, docID)
		if err == nil {
			out := make([]PresenceMember, 0, len(members))
			for _, m := range members {
				cur, err := h.presence.GetCursor(ctx, docID, m.UserID)
				if err != nil {
					log.Printf("get cursor error doc=%s user=%d err=%v", docID, m.UserID, err)
				}
				out = append(out, PresenceMember{UserID: m.UserID, Username: m.Username, Cursor: cur})
			}
			return out
		}
		log.Printf("get members error doc=%s err=%v", docID, err)
	}
	return h.localMembers(docID)
}

// 只看本实例的连接，同一用户取最后一个有光标的连接
func (h *Hub) localMembers(docID string) []PresenceMember {
	byUser := make(map[uint64]int)
	var out []PresenceMember
	for _, c := range h.conns(docID) {
		cur := c.Cursor()
		if i, ok := byUser[c.userID]; ok {
			if len(cur) > 0 {
				out[i].Cursor = cur
			}
			continue
		}
		byUser[c.userID] = len(out)
		out = append(out, PresenceMember{UserID: c.userID, Username: c.username, Cursor: cur})
	}
	return out
}
