package ws

import "encoding/json"

// 消息类型
const (
	TypeSteps     = "steps"
	TypeHeartbeat = "heartbeat"
	TypeAck       = "ack"
	TypeConflict  = "conflict"
	TypePresence  = "presence"
	TypeError     = "error"
)

const (
	AckSuccess      = "success"
	VersionMismatch = "Version mismatch"
)

// ClientMessage 入站消息的并集，按 Type 分发
type ClientMessage struct {
	Type      string            `json:"type"`
	DocID     string            `json:"documentId"`
	Version   uint64            `json:"version"`
	Steps     []json.RawMessage `json:"steps,omitempty"`
	ClientID  string            `json:"clientID,omitempty"`
	OTVersion uint64            `json:"ot_version"`
	Cursor    json.RawMessage   `json:"cursor,omitempty"`
	UserID    uint64            `json:"userID,omitempty"`
	UserName  string            `json:"userName,omitempty"`
}

// StepsMessage 客户端提交的一批步骤；服务端广播时 Version 为应用后的版本
type StepsMessage struct {
	Type     string            `json:"type"` // 固定 "steps"
	DocID    string            `json:"documentId"`
	Version  uint64            `json:"version"`
	Steps    []json.RawMessage `json:"steps"`
	ClientID string            `json:"clientID"`
}

type HeartbeatMessage struct {
	Type      string          `json:"type"` // 固定 "heartbeat"
	DocID     string          `json:"documentId"`
	OTVersion uint64          `json:"ot_version"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	UserID    uint64          `json:"userID"`
	UserName  string          `json:"userName"`
}

// AckMessage 只发给提交者
type AckMessage struct {
	Type    string `json:"type"` // 固定 "ack"
	Message string `json:"message"`
	Version uint64 `json:"version"`
	DocID   string `json:"documentId"`
}

type ConflictMessage struct {
	Type  string `json:"type"` // 固定 "conflict"
	Error string `json:"error"`
	DocID string `json:"documentId"`
}

type PresenceMember struct {
	UserID   uint64          `json:"userId"`
	Username string          `json:"username,omitempty"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
}

// PresenceMessage 心跳的回复，只发给发送心跳的连接
type PresenceMessage struct {
	Type      string           `json:"type"` // 固定 "presence"
	DocID     string           `json:"documentId"`
	OTVersion uint64           `json:"ot_version"`
	Members   []PresenceMember `json:"members"`
}

type ErrorMessage struct {
	Type  string `json:"type"` // 固定 "error"
	DocID string `json:"documentId,omitempty"`
	Error string `json:"error"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m StepsMessage) MessageType() string     { return m.Type }
func (m HeartbeatMessage) MessageType() string { return m.Type }
func (m AckMessage) MessageType() string       { return m.Type }
func (m ConflictMessage) MessageType() string  { return m.Type }
func (m PresenceMessage) MessageType() string  { return m.Type }
func (m ErrorMessage) MessageType() string     { return m.Type }

// Envelope 出站消息的并集，客户端先按它解码再看 Type
type Envelope struct {
	Type      string            `json:"type"`
	DocID     string            `json:"documentId"`
	Version   uint64            `json:"version"`
	Steps     []json.RawMessage `json:"steps,omitempty"`
	ClientID  string            `json:"clientID,omitempty"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	OTVersion uint64            `json:"ot_version"`
	Members   []PresenceMember  `json:"members,omitempty"`
}
