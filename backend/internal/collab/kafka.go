package collab

import (
	"encoding/json"
	"time"
)

type DocStepsEvent struct {
	EventType   string            `json:"eventType"` // 固定 "STEPS_APPLIED"
	DocID       string            `json:"docId"`
	OperationID string            `json:"operationId"`
	Version     uint64            `json:"version"`     // 应用后的版本
	BaseVersion uint64            `json:"baseVersion"` // 客户端提交时的版本
	AuthorID    string            `json:"authorId"`    // 客户端会话 id
	UserID      uint64            `json:"userId"`
	Steps       []json.RawMessage `json:"steps"`
	AppliedAt   time.Time         `json:"appliedAt"`
}
