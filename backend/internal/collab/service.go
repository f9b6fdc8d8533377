package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"plotLines/backend/internal/document"
	"plotLines/backend/internal/entity"
	"plotLines/backend/internal/ot/command"
	"plotLines/backend/internal/store"
)

// 协作权威日志接口
type Service interface {
	// AcceptSteps 版本一致则追加整批步骤并推进版本，否则返回 ErrVersionConflict 且不做任何修改
	AcceptSteps(ctx context.Context, docID string, expected uint64, steps []json.RawMessage,
		clientID string, userID uint64) (uint64, error)

	// StepsSince 返回 since 之后的步骤；since 早于最新快照时返回 ErrHistoryTooOld
	StepsSince(ctx context.Context, docID string, since uint64) ([]entity.OTStep, error)

	CreateSnapshot(ctx context.Context, docID string, content json.RawMessage, otVersion uint64) (uint64, error)

	// SaveSnapshot 用服务端重放出的内容生成快照
	SaveSnapshot(ctx context.Context, docID string) (uint64, error)

	LoadDocument(ctx context.Context, docID string) (*DocumentView, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (*entity.Document, error)
	CurrentVersion(ctx context.Context, docID string) (uint64, error)

	// EvictIdle 释放长时间无人编辑的文档在内存中的内容，下次访问时从存储重新加载
	EvictIdle(idle time.Duration) int
}

// 持久化接口，只声明，实现在 store 中
type LogStore interface {
	CreateDocument(ctx context.Context, doc *entity.Document) error
	GetDocument(ctx context.Context, docID string) (*entity.Document, error)
	AppendSteps(ctx context.Context, docID string, expected uint64, steps []entity.OTStep) error
	StepsSince(ctx context.Context, docID string, since uint64) ([]entity.OTStep, error)
	LatestSnapshot(ctx context.Context, docID string) (*entity.Snapshot, error)
	CreateSnapshot(ctx context.Context, snap *entity.Snapshot) (uint64, error)
	PruneSteps(ctx context.Context, docID string, upTo uint64) (int64, error)
}

// 快照缓存接口；load 在未命中时回源
type SnapshotCache interface {
	GetLatest(ctx context.Context, docID string, load func() (*entity.Snapshot, error)) (*entity.Snapshot, error)
	Invalidate(ctx context.Context, docID string) error
}

// Broadcaster 把已提交的一批步骤推送给该文档的所有在线连接
type Broadcaster interface {
	BroadcastSteps(batch StepsBatch)
}

type StepsBatch struct {
	DocID    string            `json:"documentId"`
	Version  uint64            `json:"version"` // 应用后的版本
	Steps    []json.RawMessage `json:"steps"`
	ClientID string            `json:"clientID"`
	UserID   uint64            `json:"userID"`
}

type DocumentView struct {
	Document entity.Document
	Snapshot *entity.Snapshot
}

var (
	ErrVersionConflict  = store.ErrVersionConflict
	ErrDocumentNotFound = store.ErrDocumentNotFound
	ErrHistoryTooOld    = errors.New("HISTORY_TOO_OLD")
	ErrEmptyBatch       = errors.New("EMPTY_BATCH")
	ErrInvalidSnapshot  = errors.New("INVALID_SNAPSHOT")
	ErrVersionAhead     = errors.New("VERSION_AHEAD")
	// 快照不能比已有的最新快照旧，否则裁剪过的历史会出现空洞
	ErrSnapshotStale = errors.New("SNAPSHOT_STALE")
)

type ServiceOptions struct {
	// 每累计接受多少步自动保存一次快照，0 表示关闭
	SnapshotEvery int
	// 快照后删除其覆盖的步骤
	PruneOnSnapshot bool
	// 事件入队最长等待
	EventTimeout time.Duration
}

type docState struct {
	mu            sync.Mutex
	evicted       bool
	lastUsed      time.Time
	loaded        bool
	version       uint64
	buf           *buffer
	sinceSnapshot int
}

type logService struct {
	mu   sync.RWMutex
	docs map[string]*docState

	// 依赖注入
	store       LogStore
	broadcaster Broadcaster
	cache       SnapshotCache
	dispatcher  *KafkaDispatcher

	opt ServiceOptions
}

// NewService broadcaster、cache、dispatcher 均可为 nil
func NewService(st LogStore, broadcaster Broadcaster, cache SnapshotCache, dispatcher *KafkaDispatcher, opt ServiceOptions) Service {
	if opt.EventTimeout <= 0 {
		opt.EventTimeout = 50 * time.Millisecond
	}
	return &logService{
		docs:        make(map[string]*docState),
		store:       st,
		broadcaster: broadcaster,
		cache:       cache,
		dispatcher:  dispatcher,
		opt:         opt,
	}
}

// 获取或创建指定文档的状态
func (s *logService) getOrCreateDoc(docID string) *docState {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds = s.docs[docID]; ds == nil {
		ds = &docState{}
		s.docs[docID] = ds
	}
	return ds
}

// lockDoc 返回已加锁的文档状态；拿到的状态若刚被回收则重新获取
func (s *logService) lockDoc(docID string) *docState {
	for {
		ds := s.getOrCreateDoc(docID)
		ds.mu.Lock()
		if !ds.evicted {
			ds.lastUsed = time.Now()
			return ds
		}
		ds.mu.Unlock()
	}
}

// EvictIdle 回收超过 idle 未使用的文档状态，正在使用的跳过；返回回收数量
func (s *logService) EvictIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ds := range s.docs {
		if !ds.mu.TryLock() {
			continue
		}
		if ds.lastUsed.Before(cutoff) {
			ds.evicted = true
			delete(s.docs, id)
			n++
		}
		ds.mu.Unlock()
	}
	return n
}

// ensureLoaded 调用方必须持有 ds.mu
func (s *logService) ensureLoaded(ctx context.Context, docID string, ds *docState) error {
	if ds.loaded {
		return nil
	}
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	snap, err := s.latestSnapshot(ctx, docID)
	if err != nil {
		return err
	}
	var since uint64
	if snap != nil {
		since = snap.OTVersion
	}
	steps, err := s.store.StepsSince(ctx, docID, since)
	if err != nil {
		return err
	}
	buf, err := newBuffer(snap, steps)
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	ds.buf = buf
	ds.version = since + uint64(len(steps))
	ds.sinceSnapshot = len(steps)
	ds.loaded = true
	return nil
}

func (s *logService) latestSnapshot(ctx context.Context, docID string) (*entity.Snapshot, error) {
	load := func() (*entity.Snapshot, error) { return s.store.LatestSnapshot(ctx, docID) }
	var (
		snap *entity.Snapshot
		err  error
	)
	if s.cache != nil {
		snap, err = s.cache.GetLatest(ctx, docID, load)
	} else {
		snap, err = load()
	}
	if errors.Is(err, store.ErrSnapshotNotFound) {
		return nil, nil
	}
	return snap, err
}

func (s *logService) AcceptSteps(ctx context.Context, docID string, expected uint64, steps []json.RawMessage, clientID string, userID uint64) (uint64, error) {
	if len(steps) == 0 {
		return 0, ErrEmptyBatch
	}
	cmds, err := command.ParseAll(steps)
	if err != nil {
		return 0, err
	}

	ds := s.lockDoc(docID)
	defer ds.mu.Unlock()

	if err := s.ensureLoaded(ctx, docID, ds); err != nil {
		return 0, err
	}
	// 版本校验
	if expected != ds.version {
		return 0, ErrVersionConflict
	}
	next, err := ds.buf.preview(cmds)
	if err != nil {
		return 0, err
	}

	rows := make([]entity.OTStep, len(steps))
	for i, raw := range steps {
		rows[i] = entity.OTStep{
			DocumentID: docID,
			Version:    expected + uint64(i) + 1,
			StepJSON:   raw,
			AuthorID:   clientID,
			UserID:     userID,
		}
	}
	if err := s.store.AppendSteps(ctx, docID, expected, rows); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// 其他实例已推进版本，下次重新加载
			ds.loaded = false
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("append steps: %w", err)
	}

	// 推进版本（事务已提交）
	ds.version = expected + uint64(len(steps))
	ds.buf.commit(next)
	ds.sinceSnapshot += len(steps)

	// 持锁广播，保证同一文档的广播按版本顺序入队
	if s.broadcaster != nil {
		s.broadcaster.BroadcastSteps(StepsBatch{
			DocID:    docID,
			Version:  ds.version,
			Steps:    steps,
			ClientID: clientID,
			UserID:   userID,
		})
	}
	s.publish(docID, expected, ds.version, steps, clientID, userID)

	if s.opt.SnapshotEvery > 0 && ds.sinceSnapshot >= s.opt.SnapshotEvery {
		if _, err := s.snapshotLocked(ctx, docID, ds); err != nil {
			log.Printf("auto snapshot failed doc=%s version=%d err=%v", docID, ds.version, err)
		}
	}
	return ds.version, nil
}

// 异步发 Kafka（只入队，不阻塞主流程）
func (s *logService) publish(docID string, base, version uint64, steps []json.RawMessage, clientID string, userID uint64) {
	if s.dispatcher == nil {
		return
	}
	evt := DocStepsEvent{
		EventType:   "STEPS_APPLIED",
		DocID:       docID,
		OperationID: uuid.NewString(),
		Version:     version,
		BaseVersion: base,
		AuthorID:    clientID,
		UserID:      userID,
		Steps:       steps,
		AppliedAt:   time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.EventTimeout)
	defer cancel()
	if err := s.dispatcher.Enqueue(ctx, evt); err != nil {
		log.Printf("kafka enqueue failed doc=%s version=%d err=%v", docID, version, err)
	}
}

func (s *logService) StepsSince(ctx context.Context, docID string, since uint64) ([]entity.OTStep, error) {
	snap, err := s.latestSnapshot(ctx, docID)
	if err != nil {
		return nil, err
	}
	if snap != nil && since < snap.OTVersion {
		return nil, ErrHistoryTooOld
	}
	return s.store.StepsSince(ctx, docID, since)
}

func (s *logService) CreateSnapshot(ctx context.Context, docID string, content json.RawMessage, otVersion uint64) (uint64, error) {
	var parsed document.Document
	if err := json.Unmarshal(content, &parsed); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	ds := s.lockDoc(docID)
	defer ds.mu.Unlock()
	if err := s.ensureLoaded(ctx, docID, ds); err != nil {
		return 0, err
	}
	if otVersion > ds.version {
		return 0, ErrVersionAhead
	}
	latest, err := s.latestSnapshot(ctx, docID)
	if err != nil {
		return 0, err
	}
	if latest != nil && otVersion < latest.OTVersion {
		return 0, fmt.Errorf("%w: ot_version %d is older than snapshot %d at %d",
			ErrSnapshotStale, otVersion, latest.SnapshotVersion, latest.OTVersion)
	}
	normalized, err := json.Marshal(&parsed)
	if err != nil {
		return 0, err
	}
	v, err := s.insertSnapshot(ctx, docID, normalized, otVersion)
	if err != nil {
		return 0, err
	}
	if otVersion == ds.version {
		ds.sinceSnapshot = 0
	}
	return v, nil
}

func (s *logService) SaveSnapshot(ctx context.Context, docID string) (uint64, error) {
	ds := s.lockDoc(docID)
	defer ds.mu.Unlock()
	if err := s.ensureLoaded(ctx, docID, ds); err != nil {
		return 0, err
	}
	return s.snapshotLocked(ctx, docID, ds)
}

func (s *logService) snapshotLocked(ctx context.Context, docID string, ds *docState) (uint64, error) {
	content, err := ds.buf.marshal()
	if err != nil {
		return 0, err
	}
	v, err := s.insertSnapshot(ctx, docID, content, ds.version)
	if err != nil {
		return 0, err
	}
	ds.sinceSnapshot = 0
	return v, nil
}

func (s *logService) insertSnapshot(ctx context.Context, docID string, content []byte, otVersion uint64) (uint64, error) {
	v, err := s.store.CreateSnapshot(ctx, &entity.Snapshot{
		DocumentID:  docID,
		ContentJSON: content,
		OTVersion:   otVersion,
	})
	if err != nil {
		return 0, fmt.Errorf("create snapshot: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, docID); err != nil {
			log.Printf("snapshot cache invalidate failed doc=%s err=%v", docID, err)
		}
	}
	if s.opt.PruneOnSnapshot {
		n, err := s.store.PruneSteps(ctx, docID, otVersion)
		if err != nil {
			log.Printf("prune steps failed doc=%s upTo=%d err=%v", docID, otVersion, err)
		} else if n > 0 {
			log.Printf("pruned steps doc=%s upTo=%d count=%d", docID, otVersion, n)
		}
	}
	return v, nil
}

func (s *logService) LoadDocument(ctx context.Context, docID string) (*DocumentView, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	snap, err := s.latestSnapshot(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &DocumentView{Document: *doc, Snapshot: snap}, nil
}

func (s *logService) CreateDocument(ctx context.Context, ownerID uint64, title string) (*entity.Document, error) {
	doc := &entity.Document{ID: uuid.NewString(), Title: title, OwnerID: ownerID}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// 返回当前文档版本
func (s *logService) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		if ds.loaded && !ds.evicted {
			return ds.version, nil
		}
	}
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	return doc.OTVersion, nil
}
