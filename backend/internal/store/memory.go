package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"plotLines/backend/internal/entity"
)

// MemoryStore 进程内存储，测试和 driver: memory 使用
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]entity.Document
	steps     map[string][]entity.OTStep
	snapshots map[string][]entity.Snapshot

	// 测试注入：提交前对每个步骤调用，返回错误则整批失败
	failStep func(entity.OTStep) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]entity.Document),
		steps:     make(map[string][]entity.OTStep),
		snapshots: make(map[string][]entity.Snapshot),
	}
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *entity.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return ErrDocumentExists
	}
	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	s.docs[doc.ID] = *doc
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, docID string) (*entity.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return &doc, nil
}

func (s *MemoryStore) AppendSteps(ctx context.Context, docID string, expected uint64, steps []entity.OTStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	if doc.OTVersion != expected {
		return ErrVersionConflict
	}
	// 先全部校验，再一次性提交：失败时不留下半批数据
	staged := make([]entity.OTStep, 0, len(steps))
	now := time.Now()
	for i, st := range steps {
		if st.Version != expected+uint64(i)+1 {
			return ErrVersionConflict
		}
		if s.failStep != nil {
			if err := s.failStep(st); err != nil {
				return err
			}
		}
		st.DocumentID = docID
		st.CreatedAt = now
		st.StepJSON = append([]byte(nil), st.StepJSON...)
		staged = append(staged, st)
	}
	s.steps[docID] = append(s.steps[docID], staged...)
	doc.OTVersion = expected + uint64(len(steps))
	doc.UpdatedAt = now
	s.docs[docID] = doc
	return nil
}

func (s *MemoryStore) StepsSince(ctx context.Context, docID string, since uint64) ([]entity.OTStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; !ok {
		return nil, ErrDocumentNotFound
	}
	all := s.steps[docID]
	i := sort.Search(len(all), func(i int) bool { return all[i].Version > since })
	return append([]entity.OTStep(nil), all[i:]...), nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, docID string) (*entity.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[docID]
	if len(snaps) == 0 {
		return nil, ErrSnapshotNotFound
	}
	// ot_version 最大者为准，相同时取后写入的
	best := snaps[0]
	for _, sn := range snaps[1:] {
		if sn.OTVersion >= best.OTVersion {
			best = sn
		}
	}
	return &best, nil
}

func (s *MemoryStore) CreateSnapshot(ctx context.Context, snap *entity.Snapshot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[snap.DocumentID]; !ok {
		return 0, ErrDocumentNotFound
	}
	snaps := s.snapshots[snap.DocumentID]
	snap.SnapshotVersion = uint64(len(snaps)) + 1
	snap.CreatedAt = time.Now()
	s.snapshots[snap.DocumentID] = append(snaps, *snap)
	return snap.SnapshotVersion, nil
}

func (s *MemoryStore) PruneSteps(ctx context.Context, docID string, upTo uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.steps[docID]
	i := sort.Search(len(all), func(i int) bool { return all[i].Version > upTo })
	s.steps[docID] = append([]entity.OTStep(nil), all[i:]...)
	return int64(i), nil
}
