package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	DefaultSession         = "shared"
	DefaultMaxIdleSessions = 1024
)

type Option func(*Manager)

// WithMaxTurns bounds how many of the latest turns FormattedHistory renders.
// Zero renders everything.
func WithMaxTurns(n int) Option {
	return func(m *Manager) { m.maxTurns = n }
}

// WithMaxIdleSessions bounds how many conversations nobody is using stay in
// memory.
func WithMaxIdleSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxIdle = n
		}
	}
}

func WithDefaultSession(key string) Option {
	return func(m *Manager) {
		if key != "" {
			m.defaultKey = key
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type session struct {
	lock chan struct{}
	conv *Conversation
	// refs counts holders and waiters; guarded by Manager.mu.
	refs int
}

// Manager owns one Conversation per session key. Conversations are loaded
// from the store the first time a key is used, and each is guarded by a lock
// held for the whole request that uses it. Sessions nobody holds are kept in
// an LRU and dropped when it is full; the store still has their turns.
type Manager struct {
	store      Store
	maxTurns   int
	maxIdle    int
	defaultKey string
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]*session
	idle   *lru.Cache[string, *session]
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		maxIdle:    DefaultMaxIdleSessions,
		defaultKey: DefaultSession,
		logger:     zap.NewNop(),
		now:        time.Now,
		active:     make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.maxIdle < 1 {
		m.maxIdle = 1
	}
	// lru.New only fails for a non-positive size.
	m.idle, _ = lru.New[string, *session](m.maxIdle)
	return m
}

// SessionKey maps an empty key to the default session.
func (m *Manager) SessionKey(key string) string {
	if key == "" {
		return m.defaultKey
	}
	return key
}

// checkout moves the session for key into the active set and takes a
// reference on it. create=false returns nil for a key not in memory.
func (m *Manager) checkout(key string, create bool) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.active[key]
	if !ok {
		if s, ok = m.idle.Get(key); ok {
			m.idle.Remove(key)
		} else if !create {
			return nil
		} else {
			s = &session{lock: make(chan struct{}, 1)}
		}
		m.active[key] = s
	}
	s.refs++
	return s
}

func (m *Manager) checkin(key string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	delete(m.active, key)
	if s.conv != nil {
		m.idle.Add(key, s)
	}
}

// Acquire locks the conversation for key and returns it with a release
// function. Callers must call release when done; extra calls are no-ops.
func (m *Manager) Acquire(ctx context.Context, key string) (*Conversation, func(), error) {
	key = m.SessionKey(key)
	s := m.checkout(key, true)

	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		m.checkin(key, s)
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			<-s.lock
			m.checkin(key, s)
		})
	}

	if s.conv == nil {
		turns, err := m.store.Load(ctx, key)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("load conversation %s: %w", key, err)
		}
		s.conv = &Conversation{
			key:      key,
			turns:    turns,
			store:    m.store,
			maxTurns: m.maxTurns,
			now:      m.now,
		}
		m.logger.Debug("conversation loaded", zap.String("session", key), zap.Int("turns", len(turns)))
	}
	return s.conv, release, nil
}

// Snapshot returns a copy of the turns recorded for key. A key with no
// conversation in memory is read straight from the store and not kept.
func (m *Manager) Snapshot(ctx context.Context, key string) ([]Turn, error) {
	key = m.SessionKey(key)
	if s := m.checkout(key, false); s != nil {
		m.checkin(key, s)
	} else {
		turns, err := m.store.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", key, err)
		}
		return turns, nil
	}

	conv, release, err := m.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()
	return conv.Turns(), nil
}

// Sessions reports how many conversations are held in memory.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) + m.idle.Len()
}
