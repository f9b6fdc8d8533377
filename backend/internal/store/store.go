// Package store 持久化文档、已接受的步骤日志和快照；
// 每种实现都在同一个事务里追加整批步骤并推进版本
package store

import "errors"

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrDocumentExists   = errors.New("DOCUMENT_EXISTS")
	ErrSnapshotNotFound = errors.New("SNAPSHOT_NOT_FOUND")
	ErrVersionConflict  = errors.New("VERSION_CONFLICT")
)
