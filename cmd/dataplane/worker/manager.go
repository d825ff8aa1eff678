// Package worker caches compiled executors keyed by published API id, with
// LRU capacity eviction, an idle TTL reaper, and at-most-one build per key.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxdp/dataplane/cmd/dataplane/executor"
	"github.com/maxdp/dataplane/cmd/dataplane/flow"
	"github.com/maxdp/dataplane/cmd/dataplane/models"
	"github.com/maxdp/dataplane/common/config"
	"github.com/maxdp/dataplane/common/logger"
	"github.com/maxdp/dataplane/common/metrics"
)

// Entry is one cached executor with its bookkeeping. All fields are
// guarded by the manager's lock.
type Entry struct {
	APIID          string
	EndpointPath   string
	Version        int
	Executor       *executor.Executor
	CreatedAt      time.Time
	LastUsed       time.Time
	ExecutionCount int64
	TotalExecTime  time.Duration
}

// slot is the per-key construction latch. ready closes exactly once, after
// which either entry or err is set. A failed build removes the slot so the
// next caller retries.
type slot struct {
	ready chan struct{}
	entry *Entry
	err   error
}

// Manager is the process-wide executor cache
type Manager struct {
	mu    sync.Mutex
	slots map[string]*slot

	cfg     config.WorkerConfig
	log     *logger.Logger
	metrics *metrics.Metrics

	acquires sync.WaitGroup
	bg       sync.WaitGroup
	done     chan struct{}
	started  bool
}

// NewManager creates a worker manager. metrics may be nil.
func NewManager(cfg config.WorkerConfig, log *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		slots:   make(map[string]*slot),
		cfg:     cfg,
		log:     log,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Acquire returns the cached executor for the API, building it when absent
// or when the stored version no longer matches. Concurrent calls for the
// same absent key result in exactly one build.
func (m *Manager) Acquire(ctx context.Context, api *models.PublishedAPI) (*executor.Executor, error) {
	m.acquires.Add(1)
	defer m.acquires.Done()

	for {
		m.mu.Lock()
		s, exists := m.slots[api.ID]
		if !exists {
			s = m.insertSlotLocked(api.ID)
			m.mu.Unlock()
			return m.build(api, s)
		}
		m.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}

		m.mu.Lock()
		// The slot may have been evicted while we waited
		if current, ok := m.slots[api.ID]; !ok || current != s {
			m.mu.Unlock()
			continue
		}
		if s.entry.Version != api.Version {
			// Stale compile: drop and rebuild
			delete(m.slots, api.ID)
			m.evicted("forced")
			fresh := m.insertSlotLocked(api.ID)
			m.mu.Unlock()
			m.log.Info("rebuilding worker for new version",
				"api_id", api.ID, "cached_version", s.entry.Version, "version", api.Version)
			return m.build(api, fresh)
		}
		s.entry.LastUsed = time.Now()
		exec := s.entry.Executor
		m.mu.Unlock()
		return exec, nil
	}
}

// insertSlotLocked reserves a construction slot, evicting one LRU entry
// first when the cache is at capacity. Caller holds the lock.
func (m *Manager) insertSlotLocked(apiID string) *slot {
	if len(m.slots) >= m.cfg.MaxActiveAPIs {
		m.evictLRULocked()
	}
	s := &slot{ready: make(chan struct{})}
	m.slots[apiID] = s
	return s
}

// evictLRULocked removes the completed entry with the oldest LastUsed,
// ties broken by CreatedAt. In-flight builds are never evicted.
func (m *Manager) evictLRULocked() {
	var victim string
	var victimEntry *Entry
	for id, s := range m.slots {
		select {
		case <-s.ready:
		default:
			continue // still building
		}
		if s.entry == nil {
			continue
		}
		if victimEntry == nil ||
			s.entry.LastUsed.Before(victimEntry.LastUsed) ||
			(s.entry.LastUsed.Equal(victimEntry.LastUsed) && s.entry.CreatedAt.Before(victimEntry.CreatedAt)) {
			victim = id
			victimEntry = s.entry
		}
	}
	if victimEntry == nil {
		return
	}
	delete(m.slots, victim)
	m.evicted("lru")
	m.log.Info("evicted least recently used worker",
		"api_id", victim, "idle", time.Since(victimEntry.LastUsed).String())
}

// build compiles the flow outside the lock and publishes the result
// through the slot's latch.
func (m *Manager) build(api *models.PublishedAPI, s *slot) (*executor.Executor, error) {
	start := time.Now()
	def, err := flow.Parse(api.FlowDefinition)
	var exec *executor.Executor
	if err == nil {
		exec, err = executor.New(def)
	}

	m.mu.Lock()
	if err != nil {
		s.err = fmt.Errorf("build worker for api %s: %w", api.ID, err)
		delete(m.slots, api.ID)
		close(s.ready)
		m.mu.Unlock()
		m.log.Error("worker build failed", "api_id", api.ID, "error", err.Error())
		return nil, s.err
	}

	now := time.Now()
	s.entry = &Entry{
		APIID:        api.ID,
		EndpointPath: api.EndpointPath,
		Version:      api.Version,
		Executor:     exec,
		CreatedAt:    now,
		LastUsed:     now,
	}
	close(s.ready)
	total := len(m.slots)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WorkerBuilds.Inc()
		m.metrics.WorkersActive.Set(float64(total))
	}
	m.log.Info("worker built",
		"api_id", api.ID, "version", api.Version,
		"nodes", exec.NodeCount(), "build_time_ms", time.Since(start).Milliseconds())
	return exec, nil
}

// Release records one finished execution against the entry
func (m *Manager) Release(apiID string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[apiID]
	if !ok || s.entry == nil {
		return
	}
	s.entry.ExecutionCount++
	s.entry.TotalExecTime += elapsed
	s.entry.LastUsed = time.Now()
}

// ForceRemove evicts a specific entry, reporting whether one existed
func (m *Manager) ForceRemove(apiID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[apiID]; !ok {
		return false
	}
	delete(m.slots, apiID)
	m.evicted("forced")
	m.log.Info("worker force removed", "api_id", apiID)
	return true
}

// ClearAll evicts every entry
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.slots)
	m.slots = make(map[string]*slot)
	for i := 0; i < n; i++ {
		m.evicted("shutdown")
	}
	m.log.Info("cleared all workers", "count", n)
}

// EntryInfo returns per-entry stats for one API
func (m *Manager) EntryInfo(apiID string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[apiID]
	if !ok || s.entry == nil {
		return nil, false
	}
	return entryInfoLocked(s.entry), true
}

// AllInfo returns per-entry stats for every completed entry
func (m *Manager) AllInfo() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.slots))
	for id, s := range m.slots {
		if s.entry != nil {
			out[id] = entryInfoLocked(s.entry)
		}
	}
	return out
}

func entryInfoLocked(e *Entry) map[string]any {
	now := time.Now()
	return map[string]any{
		"api_id":                  e.APIID,
		"endpoint_path":           e.EndpointPath,
		"version":                 e.Version,
		"created_at":              e.CreatedAt.UTC().Format(time.RFC3339),
		"last_used":               e.LastUsed.UTC().Format(time.RFC3339),
		"execution_count":         e.ExecutionCount,
		"total_execution_time_ms": e.TotalExecTime.Milliseconds(),
		"age_seconds":             int64(now.Sub(e.CreatedAt).Seconds()),
		"idle_seconds":            int64(now.Sub(e.LastUsed).Seconds()),
	}
}

// ManagerStats returns aggregate cache statistics
func (m *Manager) ManagerStats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var totalExecs int64
	var totalTime time.Duration
	activeLastHour := 0
	var oldest, newest time.Time

	count := 0
	for _, s := range m.slots {
		if s.entry == nil {
			continue
		}
		count++
		totalExecs += s.entry.ExecutionCount
		totalTime += s.entry.TotalExecTime
		if now.Sub(s.entry.LastUsed) < time.Hour {
			activeLastHour++
		}
		if oldest.IsZero() || s.entry.CreatedAt.Before(oldest) {
			oldest = s.entry.CreatedAt
		}
		if newest.IsZero() || s.entry.CreatedAt.After(newest) {
			newest = s.entry.CreatedAt
		}
	}

	stats := map[string]any{
		"total_workers":           count,
		"max_active_apis":         m.cfg.MaxActiveAPIs,
		"active_in_last_hour":     activeLastHour,
		"total_executions":        totalExecs,
		"total_execution_time_ms": totalTime.Milliseconds(),
	}
	if count > 0 {
		stats["oldest_worker_age_seconds"] = int64(now.Sub(oldest).Seconds())
		stats["newest_worker_age_seconds"] = int64(now.Sub(newest).Seconds())
	}
	return stats
}

// Start launches the TTL reaper and the periodic stats log
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.bg.Add(2)
	go m.reapLoop(ctx)
	go m.statsLoop(ctx)
	m.log.Info("worker manager started",
		"max_active_apis", m.cfg.MaxActiveAPIs,
		"inactive_ttl", m.cfg.InactiveTTL.String(),
		"cleanup_interval", m.cfg.CleanupInterval.String())
}

// Shutdown stops background jobs, waits for in-flight acquires, and drops
// every cached worker.
func (m *Manager) Shutdown() {
	close(m.done)
	m.bg.Wait()
	m.acquires.Wait()
	m.ClearAll()
	m.log.Info("worker manager stopped")
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer m.bg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle evicts entries idle longer than the configured TTL
func (m *Manager) reapIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, s := range m.slots {
		if s.entry == nil {
			continue
		}
		if now.Sub(s.entry.LastUsed) > m.cfg.InactiveTTL {
			delete(m.slots, id)
			m.evicted("ttl")
			m.log.Info("reaped idle worker",
				"api_id", id, "idle", now.Sub(s.entry.LastUsed).String())
		}
	}
}

func (m *Manager) statsLoop(ctx context.Context) {
	defer m.bg.Done()
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.log.Info("worker manager stats", "stats", m.ManagerStats())
		}
	}
}

// evicted updates the eviction metric and the active gauge. Caller holds
// the lock (or is about to report a consistent count).
func (m *Manager) evicted(reason string) {
	if m.metrics != nil {
		m.metrics.WorkerEvictions.WithLabelValues(reason).Inc()
		m.metrics.WorkersActive.Set(float64(len(m.slots)))
	}
}
