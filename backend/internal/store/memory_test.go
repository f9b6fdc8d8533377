package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plotLines/backend/internal/entity"
)

func batch(from uint64, n int, author string) []entity.OTStep {
	out := make([]entity.OTStep, n)
	for i := range out {
		out[i] = entity.OTStep{Version: from + uint64(i), StepJSON: []byte(`{"type":"deleteText"}`), AuthorID: author}
	}
	return out
}

func TestMemoryStoreAppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, &entity.Document{ID: "d1", Title: "Pilot"}))
	assert.ErrorIs(t, s.CreateDocument(ctx, &entity.Document{ID: "d1"}), ErrDocumentExists)

	require.NoError(t, s.AppendSteps(ctx, "d1", 0, batch(1, 2, "a")))
	require.NoError(t, s.AppendSteps(ctx, "d1", 2, batch(3, 1, "b")))

	doc, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), doc.OTVersion)

	steps, err := s.StepsSince(ctx, "d1", 1)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, uint64(2), steps[0].Version)
	assert.Equal(t, "b", steps[1].AuthorID)

	_, err = s.StepsSince(ctx, "nope", 0)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestMemoryStoreStaleAppendChangesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, &entity.Document{ID: "d1"}))
	require.NoError(t, s.AppendSteps(ctx, "d1", 0, batch(1, 1, "a")))

	assert.ErrorIs(t, s.AppendSteps(ctx, "d1", 0, batch(1, 3, "b")), ErrVersionConflict)
	doc, _ := s.GetDocument(ctx, "d1")
	assert.Equal(t, uint64(1), doc.OTVersion)
	steps, _ := s.StepsSince(ctx, "d1", 0)
	assert.Len(t, steps, 1)
}

func TestMemoryStoreFailureMidBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, &entity.Document{ID: "d1"}))
	boom := errors.New("disk full")
	s.failStep = func(st entity.OTStep) error {
		if st.Version == 2 {
			return boom
		}
		return nil
	}

	assert.ErrorIs(t, s.AppendSteps(ctx, "d1", 0, batch(1, 3, "a")), boom)
	doc, _ := s.GetDocument(ctx, "d1")
	assert.Zero(t, doc.OTVersion)
	steps, _ := s.StepsSince(ctx, "d1", 0)
	assert.Empty(t, steps)
}

func TestMemoryStoreSnapshotsAndPrune(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, &entity.Document{ID: "d1"}))
	require.NoError(t, s.AppendSteps(ctx, "d1", 0, batch(1, 4, "a")))

	_, err := s.LatestSnapshot(ctx, "d1")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	v1, err := s.CreateSnapshot(ctx, &entity.Snapshot{DocumentID: "d1", ContentJSON: []byte(`[]`), OTVersion: 2})
	require.NoError(t, err)
	v2, err := s.CreateSnapshot(ctx, &entity.Snapshot{DocumentID: "d1", ContentJSON: []byte(`[]`), OTVersion: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, []uint64{v1, v2})

	latest, err := s.LatestSnapshot(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.OTVersion)

	n, err := s.PruneSteps(ctx, "d1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	steps, _ := s.StepsSince(ctx, "d1", 0)
	require.Len(t, steps, 1)
	assert.Equal(t, uint64(4), steps[0].Version)
}

func TestMemoryStoreLatestSnapshotFollowsOTVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, &entity.Document{ID: "d1"}))
	require.NoError(t, s.AppendSteps(ctx, "d1", 0, batch(1, 4, "a")))

	_, err := s.CreateSnapshot(ctx, &entity.Snapshot{DocumentID: "d1", ContentJSON: []byte(`[]`), OTVersion: 4})
	require.NoError(t, err)
	_, err = s.CreateSnapshot(ctx, &entity.Snapshot{DocumentID: "d1", ContentJSON: []byte(`[]`), OTVersion: 2})
	require.NoError(t, err)

	latest, err := s.LatestSnapshot(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), latest.OTVersion)
	assert.Equal(t, uint64(1), latest.SnapshotVersion)

	v, err := s.CreateSnapshot(ctx, &entity.Snapshot{DocumentID: "d1", ContentJSON: []byte(`[]`), OTVersion: 4})
	require.NoError(t, err)
	latest, _ = s.LatestSnapshot(ctx, "d1")
	assert.Equal(t, v, latest.SnapshotVersion)
}
