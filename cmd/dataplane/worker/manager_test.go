package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxdp/dataplane/cmd/dataplane/executor"
	"github.com/maxdp/dataplane/cmd/dataplane/models"
	"github.com/maxdp/dataplane/common/config"
	"github.com/maxdp/dataplane/common/logger"
)

func testManager(maxAPIs int, ttl time.Duration) *Manager {
	return NewManager(config.WorkerConfig{
		MaxActiveAPIs:   maxAPIs,
		InactiveTTL:     ttl,
		CleanupInterval: time.Hour,
		StatsInterval:   time.Hour,
	}, logger.New("error", "json"), nil)
}

func testAPI(id string, version int) *models.PublishedAPI {
	def := fmt.Sprintf(`{
		"id": %q,
		"nodes": [{"id": "src", "type": "static_data",
			"config": {"data_source": "array", "columns": ["v"], "array_data": [[1]]}}],
		"edges": []
	}`, id)
	return &models.PublishedAPI{
		ID:             id,
		APIName:        "api-" + id,
		EndpointPath:   "tests/" + id,
		Version:        version,
		IsActive:       true,
		FlowDefinition: json.RawMessage(def),
	}
}

func brokenAPI(id string) *models.PublishedAPI {
	return &models.PublishedAPI{
		ID:             id,
		Version:        1,
		IsActive:       true,
		FlowDefinition: json.RawMessage(`{"nodes": [], "edges": []}`),
	}
}

func TestAcquire_BuildsOnce(t *testing.T) {
	m := testManager(10, time.Hour)
	ctx := context.Background()

	first, err := m.Acquire(ctx, testAPI("a", 1))
	require.NoError(t, err)
	second, err := m.Acquire(ctx, testAPI("a", 1))
	require.NoError(t, err)

	assert.Same(t, first, second, "repeat acquire must return the cached executor")

	stats := m.ManagerStats()
	assert.Equal(t, 1, stats["total_workers"])
}

// TestAcquire_ConcurrentSingleBuild covers the per-key latch: many
// concurrent acquires for an absent key all get the same executor.
func TestAcquire_ConcurrentSingleBuild(t *testing.T) {
	m := testManager(10, time.Hour)
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	results := make([]*executor.Executor, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Acquire(ctx, testAPI("hot", 1))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "caller %d got a different executor", i)
	}
	assert.Equal(t, 1, m.ManagerStats()["total_workers"])
}

// TestAcquire_LRUEviction follows the sequence: fill to capacity, touch,
// insert, and check the victim.
func TestAcquire_LRUEviction(t *testing.T) {
	m := testManager(2, time.Hour)
	ctx := context.Background()

	_, err := m.Acquire(ctx, testAPI("1", 1))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Acquire(ctx, testAPI("2", 1))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Capacity reached: acquiring 3 evicts 1 (oldest last_used)
	_, err = m.Acquire(ctx, testAPI("3", 1))
	require.NoError(t, err)

	_, ok := m.EntryInfo("1")
	assert.False(t, ok, "api 1 should be evicted")
	_, ok = m.EntryInfo("2")
	assert.True(t, ok)
	_, ok = m.EntryInfo("3")
	assert.True(t, ok)

	// Touch 2 so 3 becomes the LRU victim for the next insert
	time.Sleep(5 * time.Millisecond)
	_, err = m.Acquire(ctx, testAPI("2", 1))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Acquire(ctx, testAPI("4", 1))
	require.NoError(t, err)

	_, ok = m.EntryInfo("3")
	assert.False(t, ok, "api 3 should be evicted after 2 was touched")
	_, ok = m.EntryInfo("2")
	assert.True(t, ok)
	_, ok = m.EntryInfo("4")
	assert.True(t, ok)

	assert.LessOrEqual(t, m.ManagerStats()["total_workers"].(int), 2)
}

// TestReapIdle covers the TTL reaper and the rebuild afterwards
func TestReapIdle(t *testing.T) {
	m := testManager(10, 20*time.Millisecond)
	ctx := context.Background()

	first, err := m.Acquire(ctx, testAPI("r", 1))
	require.NoError(t, err)
	m.Release("r", 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	m.reapIdle()

	_, ok := m.EntryInfo("r")
	assert.False(t, ok, "idle entry should be reaped")

	// Next acquire rebuilds with fresh counters
	second, err := m.Acquire(ctx, testAPI("r", 1))
	require.NoError(t, err)
	assert.NotSame(t, first, second, "reaped entry must be rebuilt")

	info, ok := m.EntryInfo("r")
	require.True(t, ok)
	assert.Equal(t, int64(0), info["execution_count"])
}

func TestForceRemove_ResetsCounters(t *testing.T) {
	m := testManager(10, time.Hour)
	ctx := context.Background()

	_, err := m.Acquire(ctx, testAPI("f", 1))
	require.NoError(t, err)
	m.Release("f", 42*time.Millisecond)

	info, ok := m.EntryInfo("f")
	require.True(t, ok)
	assert.Equal(t, int64(1), info["execution_count"])

	assert.True(t, m.ForceRemove("f"))
	assert.False(t, m.ForceRemove("f"), "second remove should report absence")

	_, err = m.Acquire(ctx, testAPI("f", 1))
	require.NoError(t, err)
	info, ok = m.EntryInfo("f")
	require.True(t, ok)
	assert.Equal(t, int64(0), info["execution_count"], "rebuilt entry starts clean")
}

// TestAcquire_VersionMismatchRebuilds verifies a version bump on the
// record invalidates the cached compile.
func TestAcquire_VersionMismatchRebuilds(t *testing.T) {
	m := testManager(10, time.Hour)
	ctx := context.Background()

	v1, err := m.Acquire(ctx, testAPI("v", 1))
	require.NoError(t, err)

	v2, err := m.Acquire(ctx, testAPI("v", 2))
	require.NoError(t, err)
	assert.NotSame(t, v1, v2, "version change must rebuild")

	info, ok := m.EntryInfo("v")
	require.True(t, ok)
	assert.Equal(t, 2, info["version"])
}

// TestAcquire_FailedBuildLeavesNoEntry verifies a broken definition never
// poisons the cache.
func TestAcquire_FailedBuildLeavesNoEntry(t *testing.T) {
	m := testManager(10, time.Hour)
	ctx := context.Background()

	_, err := m.Acquire(ctx, brokenAPI("bad"))
	require.Error(t, err)

	assert.Equal(t, 0, m.ManagerStats()["total_workers"])
	_, ok := m.EntryInfo("bad")
	assert.False(t, ok)

	// A later acquire with a fixed definition succeeds
	_, err = m.Acquire(ctx, testAPI("bad", 1))
	require.NoError(t, err)
}

func TestRelease_Accumulates(t *testing.T) {
	m := testManager(10, time.Hour)
	ctx := context.Background()

	_, err := m.Acquire(ctx, testAPI("acc", 1))
	require.NoError(t, err)
	m.Release("acc", 10*time.Millisecond)
	m.Release("acc", 30*time.Millisecond)

	info, ok := m.EntryInfo("acc")
	require.True(t, ok)
	assert.Equal(t, int64(2), info["execution_count"])
	assert.Equal(t, int64(40), info["total_execution_time_ms"])

	stats := m.ManagerStats()
	assert.Equal(t, int64(2), stats["total_executions"])
}

func TestClearAll(t *testing.T) {
	m := testManager(10, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Acquire(ctx, testAPI(fmt.Sprintf("c%d", i), 1))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.ManagerStats()["total_workers"])

	m.ClearAll()
	assert.Equal(t, 0, m.ManagerStats()["total_workers"])
	assert.Empty(t, m.AllInfo())
}

// TestCapacityInvariant checks |cache| <= max after a burst of inserts
func TestCapacityInvariant(t *testing.T) {
	m := testManager(3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.Acquire(ctx, testAPI(fmt.Sprintf("n%d", i), 1))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, m.ManagerStats()["total_workers"].(int), 3)
}
