package cache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plotLines/backend/internal/collab"
	"plotLines/backend/internal/entity"
	"plotLines/backend/internal/store"
)

// 没有可用的 redis 时跳过
func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestSnapshotCacheLoadsOnce(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewSnapshotCache(rdb)
	docID := uuid.NewString()
	t.Cleanup(func() { _ = c.Invalidate(ctx, docID) })

	var calls int32
	load := func() (*entity.Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		return &entity.Snapshot{DocumentID: docID, SnapshotVersion: 2, OTVersion: 9, ContentJSON: []byte(`[]`)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.GetLatest(ctx, docID, load)
			if assert.NoError(t, err) {
				assert.Equal(t, uint64(9), snap.OTVersion)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	snap, err := c.GetLatest(ctx, docID, load)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.SnapshotVersion)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, c.Invalidate(ctx, docID))
	_, err = c.GetLatest(ctx, docID, load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSnapshotCacheRemembersMissing(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewSnapshotCache(rdb)
	docID := uuid.NewString()
	t.Cleanup(func() { _ = c.Invalidate(ctx, docID) })

	calls := 0
	load := func() (*entity.Snapshot, error) {
		calls++
		return nil, store.ErrSnapshotNotFound
	}
	_, err := c.GetLatest(ctx, docID, load)
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	_, err = c.GetLatest(ctx, docID, load)
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	assert.Equal(t, 1, calls)

	ttl, err := rdb.TTL(ctx, snapshotKey(docID)).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, NullTTL)
}

func TestPresenceMembersAndCursor(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb)
	docID := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, roomKey(docID), namesKey(docID)) })

	require.NoError(t, p.AddMember(ctx, docID, 1, "ana", time.Minute))
	require.NoError(t, p.AddMember(ctx, docID, 2, "ben", time.Minute))
	// 已过期的成员会被清理
	require.NoError(t, p.AddMember(ctx, docID, 3, "gone", -time.Minute))

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{{UserID: 1, Username: "ana"}, {UserID: 2, Username: "ben"}}, members)

	cur, err := p.GetCursor(ctx, docID, 1)
	require.NoError(t, err)
	assert.Nil(t, cur)
	require.NoError(t, p.SetCursor(ctx, docID, 1, []byte(`{"line":1,"ch":2}`), time.Minute))
	cur, err = p.GetCursor(ctx, docID, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"line":1,"ch":2}`, string(cur))

	require.NoError(t, p.RemoveMember(ctx, docID, 1))
	members, err = p.GetAliveMembersWithNames(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{UserID: 2, Username: "ben"}}, members)
	cur, _ = p.GetCursor(ctx, docID, 1)
	assert.Nil(t, cur)
}

type localHub struct {
	got chan collab.StepsBatch
}

func (h *localHub) BroadcastSteps(b collab.StepsBatch) {
	select {
	case h.got <- b:
	default:
	}
}

func TestRelayDeliversToLocalHub(t *testing.T) {
	rdb := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := &localHub{got: make(chan collab.StepsBatch, 1)}
	relay := NewStepsRelay(rdb, hub)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	batch := collab.StepsBatch{
		DocID:    uuid.NewString(),
		Version:  4,
		Steps:    []json.RawMessage{json.RawMessage(`{"type":"setLineType","line":0,"lineType":"shot"}`)},
		ClientID: "c1",
	}
	// 订阅建立是异步的，重复发布直到收到
	require.Eventually(t, func() bool {
		relay.BroadcastSteps(batch)
		select {
		case got := <-hub.got:
			assert.Equal(t, batch.DocID, got.DocID)
			assert.Equal(t, uint64(4), got.Version)
			assert.JSONEq(t, string(batch.Steps[0]), string(got.Steps[0]))
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
