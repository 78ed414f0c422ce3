package store

import (
	"encoding/json"
	"sync"
	"time"
)

// loadWindow is the sliding window used to derive ops/sec for ReportLoad.
const loadWindow = 10 * time.Second

// loadTracker keeps per-tenant active operation counts and a sliding window
// of completion timestamps. Every backend embeds one so ReportLoad has a
// uniform shape regardless of engine.
type loadTracker struct {
	mu     sync.Mutex
	active map[string]int
	ops    map[string][]time.Time
}

func newLoadTracker() *loadTracker {
	return &loadTracker{
		active: make(map[string]int),
		ops:    make(map[string][]time.Time),
	}
}

func (t *loadTracker) begin(tenantID string) {
	t.mu.Lock()
	t.active[tenantID]++
	t.mu.Unlock()
}

func (t *loadTracker) end(tenantID string) {
	now := time.Now()
	t.mu.Lock()
	if t.active[tenantID] > 0 {
		t.active[tenantID]--
	}
	w := append(t.ops[tenantID], now)
	t.ops[tenantID] = trimWindow(w, now)
	t.mu.Unlock()
}

func (t *loadTracker) load(tenantID string) Load {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	w := trimWindow(t.ops[tenantID], now)
	t.ops[tenantID] = w
	return Load{
		ActiveConnections: t.active[tenantID],
		OpsPerSecond:      float64(len(w)) / loadWindow.Seconds(),
	}
}

func (t *loadTracker) forget(tenantID string) {
	t.mu.Lock()
	delete(t.active, tenantID)
	delete(t.ops, tenantID)
	t.mu.Unlock()
}

func trimWindow(w []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-loadWindow)
	i := 0
	for i < len(w) && w[i].Before(cutoff) {
		i++
	}
	return w[i:]
}

// wsEntry is one warm-state item. What the key and payload mean is up to the
// backend: a replayable statement, a cache key, a document id.
type wsEntry struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// workingSet tracks the most recently touched items per tenant, bounded per
// tenant. Snapshots serialize it so a restore can rehydrate warm state.
type workingSet struct {
	mu      sync.Mutex
	maxSize int
	items   map[string][]wsEntry
}

func newWorkingSet(maxSize int) *workingSet {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &workingSet{maxSize: maxSize, items: make(map[string][]wsEntry)}
}

func (w *workingSet) touch(tenantID, key string, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := w.items[tenantID]
	for i, e := range entries {
		if e.Key == key {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	entries = append(entries, wsEntry{Key: key, Payload: payload})
	if len(entries) > w.maxSize {
		entries = entries[len(entries)-w.maxSize:]
	}
	w.items[tenantID] = entries
}

func (w *workingSet) snapshot(tenantID string) ([]byte, error) {
	w.mu.Lock()
	entries := w.items[tenantID]
	out := make([]wsEntry, len(entries))
	copy(out, entries)
	w.mu.Unlock()
	return json.Marshal(out)
}

func (w *workingSet) restore(tenantID string, data []byte) ([]wsEntry, error) {
	var entries []wsEntry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
	}
	if len(entries) > w.maxSize {
		entries = entries[len(entries)-w.maxSize:]
	}
	w.mu.Lock()
	w.items[tenantID] = entries
	w.mu.Unlock()
	return entries, nil
}

func (w *workingSet) forget(tenantID string) {
	w.mu.Lock()
	delete(w.items, tenantID)
	w.mu.Unlock()
}

// limitsMap holds the per-tenant session limits a backend currently enforces.
type limitsMap struct {
	mu     sync.RWMutex
	limits map[string]SessionLimits
}

func newLimitsMap() *limitsMap {
	return &limitsMap{limits: make(map[string]SessionLimits)}
}

func (m *limitsMap) set(tenantID string, l SessionLimits) {
	m.mu.Lock()
	m.limits[tenantID] = l
	m.mu.Unlock()
}

func (m *limitsMap) get(tenantID string) (SessionLimits, bool) {
	m.mu.RLock()
	l, ok := m.limits[tenantID]
	m.mu.RUnlock()
	return l, ok
}

func (m *limitsMap) forget(tenantID string) {
	m.mu.Lock()
	delete(m.limits, tenantID)
	m.mu.Unlock()
}
