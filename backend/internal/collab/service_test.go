package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plotLines/backend/internal/document"
	"plotLines/backend/internal/entity"
	"plotLines/backend/internal/ot/command"
	"plotLines/backend/internal/store"
)

type recorder struct {
	mu      sync.Mutex
	batches []StepsBatch
}

func (r *recorder) BroadcastSteps(b StepsBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) all() []StepsBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StepsBatch(nil), r.batches...)
}

// failingStore 让 AppendSteps 失败，其余照常
type failingStore struct {
	*store.MemoryStore
	err error
}

func (f *failingStore) AppendSteps(ctx context.Context, docID string, expected uint64, steps []entity.OTStep) error {
	if f.err != nil {
		return f.err
	}
	return f.MemoryStore.AppendSteps(ctx, docID, expected, steps)
}

func insertStep(t *testing.T, line, ch int, s string) json.RawMessage {
	t.Helper()
	raw, err := command.Encode(&command.InsertText{At: document.Pos{Line: line, Ch: ch}, Text: document.PlainText(s, document.Action)})
	require.NoError(t, err)
	return raw
}

func newTestService(t *testing.T, opt ServiceOptions) (Service, *store.MemoryStore, *recorder, string) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &recorder{}
	svc := NewService(st, rec, nil, nil, opt)
	doc, err := svc.CreateDocument(context.Background(), 7, "Pilot")
	require.NoError(t, err)
	return svc, st, rec, doc.ID
}

func TestAcceptStepsAdvancesVersionByBatchSize(t *testing.T) {
	ctx := context.Background()
	svc, _, rec, id := newTestService(t, ServiceOptions{})

	v, err := svc.AcceptSteps(ctx, id, 0, []json.RawMessage{insertStep(t, 0, 0, "a"), insertStep(t, 0, 1, "b")}, "c1", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	v, err = svc.AcceptSteps(ctx, id, 2, []json.RawMessage{insertStep(t, 0, 2, "c")}, "c2", 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	cur, err := svc.CurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cur)

	batches := rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, uint64(2), batches[0].Version)
	assert.Equal(t, "c2", batches[1].ClientID)
	assert.Len(t, batches[1].Steps, 1)

	steps, err := svc.StepsSince(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, uint64(i+1), st.Version)
	}
	assert.Equal(t, "c1", steps[1].AuthorID)
}

func TestStaleBatchIsANoop(t *testing.T) {
	ctx := context.Background()
	svc, st, rec, id := newTestService(t, ServiceOptions{})
	_, err := svc.AcceptSteps(ctx, id, 0, []json.RawMessage{insertStep(t, 0, 0, "a")}, "c1", 1)
	require.NoError(t, err)

	_, err = svc.AcceptSteps(ctx, id, 0, []json.RawMessage{insertStep(t, 0, 0, "zz")}, "c2", 2)
	assert.ErrorIs(t, err, ErrVersionConflict)

	doc, _ := st.GetDocument(ctx, id)
	assert.Equal(t, uint64(1), doc.OTVersion)
	steps, _ := st.StepsSince(ctx, id, 0)
	assert.Len(t, steps, 1)
	assert.Len(t, rec.all(), 1)

	// 重放已接受的批次同样被拒绝
	_, err = svc.AcceptSteps(ctx, id, 0, []json.RawMessage{insertStep(t, 0, 0, "a")}, "c1", 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMalformedBatchIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _, id := newTestService(t, ServiceOptions{})

	_, err := svc.AcceptSteps(ctx, id, 0, []json.RawMessage{insertStep(t, 0, 0, "a"), json.RawMessage(`{"type":"??"}`)}, "c1", 1)
	assert.ErrorIs(t, err, command.ErrMalformedStep)

	_, err = svc.AcceptSteps(ctx, id, 0, []json.RawMessage{insertStep(t, 4, 0, "a")}, "c1", 1)
	assert.ErrorIs(t, err, command.ErrMalformedStep)

	_, err = svc.AcceptSteps(ctx, id, 0, nil, "c1", 1)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	v, _ := svc.CurrentVersion(ctx, id)
	assert.Zero(t, v)
}

func TestUnknownDocument(t *testing.T) {
	svc, _, _, _ := newTestService(t, ServiceOptions{})
	_, err := svc.AcceptSteps(context.Background(), "missing", 0, []json.RawMessage{insertStep(t, 0, 0, "a")}, "c1", 1)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestPersistenceFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	fs := &failingStore{MemoryStore: mem, err: errors.New("connection reset")}
	rec := &recorder{}
	svc := NewService(fs, rec, nil, nil, ServiceOptions{})
	doc, err := svc.CreateDocument(ctx, 1, "t")
	require.NoError(t, err)

	_, err = svc.AcceptSteps(ctx, doc.ID, 0, []json.RawMessage{insertStep(t, 0, 0, "a")}, "c1", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionConflict)
	assert.Empty(t, rec.all())

	// 恢复后同一批次可以按原版本重试
	fs.err = nil
	v, err := svc.AcceptSteps(ctx, doc.ID, 0, []json.RawMessage{insertStep(t, 0, 0, "a")}, "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestConcurrentSubmitsAreSerialized(t *testing.T) {
	ctx := context.Background()
	svc, st, _, id := newTestService(t, ServiceOptions{})

	const clients = 16
	step := insertStep(t, 0, 0, "y")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AcceptSteps(ctx, id, 0, []json.RawMessage{step}, "c", 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	// 每个客户端冲突后追平重试，最终每人各写入一次
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := svc.CurrentVersion(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				_, err = svc.AcceptSteps(ctx, id, v, []json.RawMessage{step}, "c", 1)
				if err == nil {
					return
				}
				if !assert.ErrorIs(t, err, ErrVersionConflict) {
					return
				}
			}
		}()
	}
	wg.Wait()

	steps, err := st.StepsSince(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, steps, clients+1)
	for i, s := range steps {
		assert.Equal(t, uint64(i+1), s.Version)
	}
}

func TestSnapshotMakesOlderHistoryTooOld(t *testing.T) {
	ctx := context.Background()
	svc, _, _, id := newTestService(t, ServiceOptions{})
	for i := 0; i < 3; i++ {
		_, err := svc.AcceptSteps(ctx, id, uint64(i), []json.RawMessage{insertStep(t, 0, i, "x")}, "c1", 1)
		require.NoError(t, err)
	}

	content, _ := json.Marshal(document.FromLines([]document.Line{{Type: document.Action, Segments: []document.TextRun{{Text: "xx"}}}}))
	sv, err := svc.CreateSnapshot(ctx, id, content, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sv)

	_, err = svc.StepsSince(ctx, id, 1)
	assert.ErrorIs(t, err, ErrHistoryTooOld)

	steps, err := svc.StepsSince(ctx, id, 2)
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	_, err = svc.CreateSnapshot(ctx, id, content, 9)
	assert.ErrorIs(t, err, ErrVersionAhead)
	_, err = svc.CreateSnapshot(ctx, id, json.RawMessage(`{"nope":1}`), 1)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	view, err := svc.LoadDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), view.Document.OTVersion)
	require.NotNil(t, view.Snapshot)
	assert.Equal(t, uint64(2), view.Snapshot.OTVersion)
}

func TestAutoSnapshotAndPrune(t *testing.T) {
	ctx := context.Background()
	svc, st, _, id := newTestService(t, ServiceOptions{SnapshotEvery: 2, PruneOnSnapshot: true})
	for i := 0; i < 5; i++ {
		_, err := svc.AcceptSteps(ctx, id, uint64(i), []json.RawMessage{insertStep(t, 0, i, "ab"[i%2:i%2+1])}, "c1", 1)
		require.NoError(t, err)
	}

	snap, err := st.LatestSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.OTVersion)
	var d document.Document
	require.NoError(t, json.Unmarshal(snap.ContentJSON, &d))
	assert.Equal(t, "abab", d.Text())

	steps, _ := st.StepsSince(ctx, id, 0)
	require.Len(t, steps, 1)
	assert.Equal(t, uint64(5), steps[0].Version)

	// 新服务实例从快照 + 剩余步骤恢复
	fresh := NewService(st, nil, nil, nil, ServiceOptions{})
	v, err := fresh.SaveSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
	snap, _ = st.LatestSnapshot(ctx, id)
	require.NoError(t, json.Unmarshal(snap.ContentJSON, &d))
	assert.Equal(t, "ababa", d.Text())
	assert.Equal(t, uint64(5), snap.OTVersion)
}

func TestStaleInstanceReloadsAfterStoreConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	a := NewService(st, nil, nil, nil, ServiceOptions{})
	b := NewService(st, nil, nil, nil, ServiceOptions{})
	doc, err := a.CreateDocument(ctx, 1, "shared")
	require.NoError(t, err)

	_, err = b.CurrentVersion(ctx, doc.ID)
	require.NoError(t, err)
	_, err = b.SaveSnapshot(ctx, doc.ID) // b 加载了 version 0
	require.NoError(t, err)

	_, err = a.AcceptSteps(ctx, doc.ID, 0, []json.RawMessage{insertStep(t, 0, 0, "a")}, "ca", 1)
	require.NoError(t, err)

	_, err = b.AcceptSteps(ctx, doc.ID, 0, []json.RawMessage{insertStep(t, 0, 0, "b")}, "cb", 2)
	assert.ErrorIs(t, err, ErrVersionConflict)

	v, err := b.AcceptSteps(ctx, doc.ID, 1, []json.RawMessage{insertStep(t, 0, 1, "b")}, "cb", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestOlderSnapshotIsRejectedAfterPrune(t *testing.T) {
	ctx := context.Background()
	svc, st, _, id := newTestService(t, ServiceOptions{PruneOnSnapshot: true})
	for i := 0; i < 4; i++ {
		_, err := svc.AcceptSteps(ctx, id, uint64(i), []json.RawMessage{insertStep(t, 0, i, "x")}, "c1", 1)
		require.NoError(t, err)
	}
	_, err := svc.SaveSnapshot(ctx, id) // 裁掉 1..4
	require.NoError(t, err)
	_, err = svc.AcceptSteps(ctx, id, 4, []json.RawMessage{insertStep(t, 0, 4, "y")}, "c1", 1)
	require.NoError(t, err)

	// 落后的客户端按自己已确认的版本保存
	content, _ := json.Marshal(document.FromLines([]document.Line{{Type: document.Action, Segments: []document.TextRun{{Text: "xx"}}}}))
	_, err = svc.CreateSnapshot(ctx, id, content, 2)
	assert.ErrorIs(t, err, ErrSnapshotStale)

	snap, err := st.LatestSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.OTVersion)

	_, err = svc.StepsSince(ctx, id, 2)
	assert.ErrorIs(t, err, ErrHistoryTooOld)
	steps, err := svc.StepsSince(ctx, id, 4)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, uint64(5), steps[0].Version)

	// 同一版本的快照允许重复保存
	same, _ := json.Marshal(document.FromLines([]document.Line{{Type: document.Action, Segments: []document.TextRun{{Text: "xxxx"}}}}))
	_, err = svc.CreateSnapshot(ctx, id, same, 4)
	require.NoError(t, err)

	// 重启后仍能从快照 + 剩余步骤恢复
	fresh := NewService(st, nil, nil, nil, ServiceOptions{})
	v, err := fresh.CurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
	_, err = fresh.SaveSnapshot(ctx, id)
	require.NoError(t, err)
	snap, _ = st.LatestSnapshot(ctx, id)
	var d document.Document
	require.NoError(t, json.Unmarshal(snap.ContentJSON, &d))
	assert.Equal(t, "xxxxy", d.Text())
}

func TestIdleDocumentsAreEvictedAndReloaded(t *testing.T) {
	ctx := context.Background()
	svc, _, _, id := newTestService(t, ServiceOptions{})
	ls := svc.(*logService)
	_, err := svc.AcceptSteps(ctx, id, 0, []json.RawMessage{insertStep(t, 0, 0, "a")}, "c1", 1)
	require.NoError(t, err)

	assert.Zero(t, svc.EvictIdle(time.Hour))

	// 持有锁的文档不会被回收
	ds := ls.lockDoc(id)
	time.Sleep(2 * time.Millisecond)
	assert.Zero(t, svc.EvictIdle(time.Millisecond))
	ds.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, 1, svc.EvictIdle(time.Millisecond))
	ls.mu.RLock()
	assert.Empty(t, ls.docs)
	ls.mu.RUnlock()

	// 回收后从存储重新加载，版本和内容都延续
	v, err := svc.AcceptSteps(ctx, id, 1, []json.RawMessage{insertStep(t, 0, 1, "b")}, "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	_, err = svc.AcceptSteps(ctx, id, 2, []json.RawMessage{insertStep(t, 0, 9, "c")}, "c1", 1)
	assert.ErrorIs(t, err, command.ErrMalformedStep)
	cur, err := svc.CurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur)
}
