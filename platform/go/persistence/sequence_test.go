package persistence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldserve/backoffice/platform/go/lifecycle"
)

func TestSequenceAllocatorConcurrentScope(t *testing.T) {
	t.Parallel()

	pool := startTestPool(t)
	ctx := context.Background()

	_, err := NewRecordStore(ctx, pool)
	require.NoError(t, err)
	alloc := NewSequenceAllocator(30 * time.Second)

	clientID := uuid.New()
	siteID := uuid.New()

	const workers = 16
	results := make([]int, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			tx, err := pool.Begin(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			no, err := alloc.Allocate(ctx, tx, clientID, siteID, lifecycle.KindWorkPermit)
			if err != nil {
				errs[i] = err
				_ = tx.Rollback(ctx)
				return
			}
			results[i] = no
			errs[i] = tx.Commit(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	// Committed allocations must form the contiguous run 1..N.
	sort.Ints(results)
	for i, no := range results {
		require.Equal(t, i+1, no)
	}
}

func TestSequenceAllocatorScopesAreIndependent(t *testing.T) {
	t.Parallel()

	pool := startTestPool(t)
	ctx := context.Background()

	_, err := NewRecordStore(ctx, pool)
	require.NoError(t, err)
	alloc := NewSequenceAllocator(0)

	clientID := uuid.New()
	siteID := uuid.New()

	allocate := func(kind lifecycle.RecordKind) int {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		no, err := alloc.Allocate(ctx, tx, clientID, siteID, kind)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		return no
	}

	require.Equal(t, 1, allocate(lifecycle.KindWorkPermit))
	require.Equal(t, 2, allocate(lifecycle.KindWorkPermit))
	require.Equal(t, 1, allocate(lifecycle.KindWorkOrder))

	// A rolled-back allocation never burns a number.
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	no, err := alloc.Allocate(ctx, tx, clientID, siteID, lifecycle.KindWorkPermit)
	require.NoError(t, err)
	require.Equal(t, 3, no)
	require.NoError(t, tx.Rollback(ctx))

	require.Equal(t, 3, allocate(lifecycle.KindWorkPermit))
}
