package maintenance

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/domain"
	"clipflow/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "clipflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db)
	require.NoError(t, err)
	return st
}

func TestSweep(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := st.CreateRelease(ctx, domain.Release{
			ContentKey: fmt.Sprintf("k%d", i), Body: "draft", CreatedAt: now,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// The oldest draft is scheduled and must survive the prune.
	require.NoError(t, st.ScheduleRelease(ctx, ids[0], now.Add(time.Hour)))

	require.NoError(t, st.LogError(ctx, "capture", "stale", now.Add(-48*time.Hour)))
	require.NoError(t, st.LogError(ctx, "capture", "recent", now))

	s := NewService(st, 1, 24*time.Hour)
	s.sweep()

	rels, err := st.ListReleases(ctx)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, ids[0], rels[0].ID, "scheduled rows are never pruned")
	assert.Equal(t, ids[2], rels[1].ID, "the newest unscheduled draft is kept")

	errs, err := st.RecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "recent", errs[0].Message)
}

func TestSweep_ZeroRetentionKeepsErrors(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.LogError(ctx, "release", "old", time.Now().Add(-365*24*time.Hour)))

	s := NewService(st, 10, 0)
	s.sweep()

	errs, err := st.RecentErrors(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, errs, 1, "zero retention disables the error prune")
}

func TestStartStop(t *testing.T) {
	s := NewService(newStore(t), 10, time.Hour)
	require.NoError(t, s.Start())
	s.Stop()
}
