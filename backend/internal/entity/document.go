package entity

import "time"

type Document struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Title     string `gorm:"type:varchar(255);not null;default:''"`
	OwnerID   uint64 `gorm:"index"`
	OTVersion uint64 `gorm:"column:ot_version;not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OTStep 已接受的一步编辑；(document_id, version) 连续递增，不可修改
type OTStep struct {
	DocumentID string `gorm:"primaryKey;type:varchar(64)"`
	Version    uint64 `gorm:"primaryKey;autoIncrement:false"`
	StepJSON   []byte `gorm:"column:step_json;type:json;not null"`
	// AuthorID 是提交该步的客户端会话 id（同一用户多标签页各不相同）
	AuthorID  string `gorm:"type:varchar(64);not null"`
	UserID    uint64
	CreatedAt time.Time
}

func (OTStep) TableName() string { return "ot_steps" }

type Snapshot struct {
	DocumentID      string `gorm:"primaryKey;type:varchar(64)"`
	SnapshotVersion uint64 `gorm:"primaryKey;autoIncrement:false"`
	ContentJSON     []byte `gorm:"column:content_json;type:json;not null"`
	OTVersion       uint64 `gorm:"column:ot_version;not null"`
	CreatedAt       time.Time
}

func (Snapshot) TableName() string { return "snapshots" }
