package store

import (
	"context"
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"plotLines/backend/internal/entity"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	// 提前校验 DSN，错误信息比连接失败更直观
	if _, err := gomysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// GormStore 基于 gorm + MySQL
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&entity.Document{}, &entity.OTStep{}, &entity.Snapshot{})
}

func isDuplicateKey(err error) bool {
	var mysqlErr *gomysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *GormStore) CreateDocument(ctx context.Context, doc *entity.Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDocumentExists
		}
		return err
	}
	return nil
}

func (s *GormStore) GetDocument(ctx context.Context, docID string) (*entity.Document, error) {
	var doc entity.Document
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// lockDocument 在事务内对文档行加 FOR UPDATE，多实例部署时也能串行化同一文档的写入
func lockDocument(tx *gorm.DB, docID string) (*entity.Document, error) {
	var doc entity.Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", docID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (s *GormStore) AppendSteps(ctx context.Context, docID string, expected uint64, steps []entity.OTStep) error {
	if len(steps) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := lockDocument(tx, docID)
		if err != nil {
			return err
		}
		if doc.OTVersion != expected {
			return ErrVersionConflict
		}
		for i := range steps {
			steps[i].DocumentID = docID
		}
		if err := tx.Create(&steps).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrVersionConflict
			}
			return err
		}
		res := tx.Model(&entity.Document{}).
			Where("id = ? AND ot_version = ?", docID, expected).
			Update("ot_version", expected+uint64(len(steps)))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrVersionConflict
		}
		return nil
	})
}

func (s *GormStore) StepsSince(ctx context.Context, docID string, since uint64) ([]entity.OTStep, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	var steps []entity.OTStep
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version > ?", docID, since).
		Order("version ASC").
		Find(&steps).Error
	return steps, err
}

func (s *GormStore) LatestSnapshot(ctx context.Context, docID string) (*entity.Snapshot, error) {
	var snap entity.Snapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("ot_version DESC, snapshot_version DESC").
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snap, nil
}

func (s *GormStore) CreateSnapshot(ctx context.Context, snap *entity.Snapshot) (uint64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockDocument(tx, snap.DocumentID); err != nil {
			return err
		}
		var last uint64
		if err := tx.Model(&entity.Snapshot{}).
			Where("document_id = ?", snap.DocumentID).
			Select("COALESCE(MAX(snapshot_version), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		snap.SnapshotVersion = last + 1
		return tx.Create(snap).Error
	})
	if err != nil {
		return 0, err
	}
	return snap.SnapshotVersion, nil
}

func (s *GormStore) PruneSteps(ctx context.Context, docID string, upTo uint64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("document_id = ? AND version <= ?", docID, upTo).
		Delete(&entity.OTStep{})
	return res.RowsAffected, res.Error
}
