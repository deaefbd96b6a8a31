package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"databot/internal/domain"
	"databot/internal/metrics"
)

const defaultMaxCachedSessions = 256

// Manager keeps a bounded number of sessions resident in memory with strict
// LRU eviction. An evicted session is persisted before it is dropped, so
// eviction never loses data; only the next access pays a store read.
type Manager struct {
	store       domain.SessionStore
	logger      *slog.Logger
	maxMessages int
	maxCached   int

	mu      sync.Mutex
	entries map[string]*list.Element // key -> element in order
	order   *list.List               // front = most recently used

	evictions *metrics.Counter
}

type cacheEntry struct {
	key     string
	session *Session
}

// ManagerConfig holds tuning parameters for the session manager.
type ManagerConfig struct {
	Store              domain.SessionStore
	MaxSessionMessages int
	MaxCachedSessions  int
	Logger             *slog.Logger
	Collector          *metrics.Collector
}

// NewManager creates a session manager over the given store.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSessionMessages <= 0 {
		cfg.MaxSessionMessages = defaultMaxMessages
	}
	if cfg.MaxCachedSessions <= 0 {
		cfg.MaxCachedSessions = defaultMaxCachedSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		store:       cfg.Store,
		logger:      cfg.Logger,
		maxMessages: cfg.MaxSessionMessages,
		maxCached:   cfg.MaxCachedSessions,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
	}
	if cfg.Collector != nil {
		m.evictions = cfg.Collector.Counter(
			"databot_session_evictions_total", "Sessions evicted from the LRU cache")
	}
	return m
}

// GetOrCreate returns the resident session for key, loading history from
// the store on a cache miss. The returned session becomes most recently
// used; eviction runs after insertion.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	m.mu.Lock()
	if el, ok := m.entries[key]; ok {
		m.order.MoveToFront(el)
		s := el.Value.(*cacheEntry).session
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// Load outside the lock; concurrent loaders for the same key are
	// resolved below by keeping whichever entry landed first.
	history, err := m.store.GetHistory(ctx, key)
	if err != nil {
		return nil, err
	}
	s := NewSession(key, history, m.maxMessages)

	m.mu.Lock()
	if el, ok := m.entries[key]; ok {
		m.order.MoveToFront(el)
		existing := el.Value.(*cacheEntry).session
		m.mu.Unlock()
		return existing, nil
	}
	m.entries[key] = m.order.PushFront(&cacheEntry{key: key, session: s})
	evicted := m.evictLocked()
	m.mu.Unlock()

	// Persist evictees outside the lock.
	for _, ev := range evicted {
		if err := m.store.SaveHistory(ctx, ev.Key, ev.History()); err != nil {
			m.logger.Error("failed to persist evicted session", "session", ev.Key, "error", err)
		}
		m.logger.Debug("evicted session from cache", "session", ev.Key)
		if m.evictions != nil {
			m.evictions.Inc()
		}
	}
	return s, nil
}

// evictLocked removes least-recently-used entries while over capacity and
// returns them for persistence. Caller holds m.mu.
func (m *Manager) evictLocked() []*Session {
	var evicted []*Session
	for m.order.Len() > m.maxCached {
		el := m.order.Back()
		entry := el.Value.(*cacheEntry)
		m.order.Remove(el)
		delete(m.entries, entry.key)
		evicted = append(evicted, entry.session)
	}
	return evicted
}

// Save writes the session's current history through to the store.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	return m.store.SaveHistory(ctx, s.Key, s.History())
}

// Delete removes the session from both cache and store.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}
	m.mu.Unlock()
	return m.store.Delete(ctx, key)
}

// ListSessions returns all known session keys from the store.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	return m.store.ListKeys(ctx)
}

// CacheSize reports the number of sessions currently resident.
func (m *Manager) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
