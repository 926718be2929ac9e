package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// openPair opens two handles on one database file, as two processes would.
func openPair(t *testing.T) (*Store, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestClaimBatch_TwoHandlesClaimDisjointSets(t *testing.T) {
	a, b := openPair(t)
	const n = 30
	for i := 0; i < n; i++ {
		mustInsert(t, a, createTestOperation(fmt.Sprintf("op-%02d", i), fmt.Sprintf("k%02d", i), 0, 0))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
		errs    []error
	)
	for _, s := range []*Store{a, b, a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for {
				ops, err := s.ClaimBatch(t.Context(), baseTime, 3)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				for _, op := range ops {
					claimed[op.ID]++
				}
				mu.Unlock()
				if len(ops) == 0 {
					return
				}
			}
		}(s)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, claimed, n, "every operation claimed")
	for id, count := range claimed {
		assert.Equal(t, 1, count, "%s claimed more than once", id)
	}

	stats, err := b.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, n, stats.ByStatus[model.StatusProcessing])
	assert.Zero(t, stats.ByStatus[model.StatusPending])
}

func TestInsertOperation_ConcurrentSameKeyInsertsOnce(t *testing.T) {
	a, b := openPair(t)
	const n = 12

	type insertResult struct {
		id       string
		inserted bool
		err      error
	}
	results := make(chan insertResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func(s *Store, i int) {
			defer wg.Done()
			id, inserted, err := s.InsertOperation(t.Context(), createTestOperation(fmt.Sprintf("op-%02d", i), "shared-key", 0, 0))
			results <- insertResult{id: id, inserted: inserted, err: err}
		}(s, i)
	}
	wg.Wait()
	close(results)

	var winners []string
	ids := map[string]bool{}
	for r := range results {
		require.NoError(t, r.err)
		ids[r.id] = true
		if r.inserted {
			winners = append(winners, r.id)
		}
	}
	require.Len(t, winners, 1, "exactly one insert wins")
	assert.Equal(t, map[string]bool{winners[0]: true}, ids, "losers see the winner's id")

	ops, err := a.ListOperations(t.Context(), model.OperationFilter{})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, winners[0], ops[0].ID)
}
