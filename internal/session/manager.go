package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrManagerClosed is returned by Get after Close.
var ErrManagerClosed = errors.New("session manager closed")

const defaultReapInterval = time.Minute

// Config controls conversation lifetimes.
type Config struct {
	// IdleTTL stops conversations with no listeners and no activity for
	// this long. Zero disables reaping.
	IdleTTL      time.Duration
	ReapInterval time.Duration
}

type entry struct {
	conv   *Conversation
	cancel context.CancelFunc
}

// Manager owns the running conversations, one per user.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	convs  map[string]*entry
	closed bool
}

// NewManager creates a manager. Conversations started by it stop when Close
// is called.
func NewManager(deps Deps, cfg Config) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		convs:  make(map[string]*entry),
	}
}

// Get returns the user's conversation, starting it if needed, once it has
// processed its initial snapshots.
func (m *Manager) Get(ctx context.Context, userID string) (*Conversation, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	e, ok := m.convs[userID]
	if ok {
		e.conv.touch()
	} else {
		e = m.startLocked(userID)
	}
	m.mu.Unlock()

	if err := e.conv.waitReady(ctx); err != nil {
		return nil, err
	}
	return e.conv, nil
}

func (m *Manager) startLocked(userID string) *entry {
	conv := NewConversation(userID, m.deps)
	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{conv: conv, cancel: cancel}
	m.convs[userID] = e

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := conv.Run(ctx); err != nil {
			m.logger.Error("Conversation failed", "conversation_id", userID, "error", err)
		}
		m.mu.Lock()
		if m.convs[userID] == e {
			delete(m.convs, userID)
		}
		m.mu.Unlock()
	}()

	m.logger.Info("Conversation registered", "conversation_id", userID)
	return e
}

// Lookup returns the running conversation for userID, if any.
func (m *Manager) Lookup(userID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.convs[userID]; ok {
		return e.conv
	}
	return nil
}

// Stop tears down one conversation and waits for it to finish.
func (m *Manager) Stop(userID string) {
	m.mu.Lock()
	e, ok := m.convs[userID]
	if ok {
		delete(m.convs, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	<-e.conv.Done()
	m.logger.Info("Conversation stopped", "conversation_id", userID)
}

// Len returns the number of running conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// StartReaper periodically stops idle conversations until ctx is done or
// the manager is closed.
func (m *Manager) StartReaper(ctx context.Context) {
	if m.cfg.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.ReapInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		m.logger.Info("Idle reaper started", "interval", m.cfg.ReapInterval, "ttl", m.cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				m.reapIdle()
			case <-ctx.Done():
				m.logger.Info("Idle reaper shutting down", "reason", ctx.Err())
				return
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// reapIdle stops conversations idle longer than the TTL and returns how
// many were stopped. Expired conversations are retired and unmapped under
// the lock, so a concurrent Get starts a fresh one instead.
func (m *Manager) reapIdle() int {
	now := m.now()
	var expired []*entry
	m.mu.Lock()
	for id, e := range m.convs {
		if e.conv.retire(now, m.cfg.IdleTTL) {
			delete(m.convs, id)
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	m.logger.Info("Idle reaper found expired conversations", "count", len(expired))
	for _, e := range expired {
		e.cancel()
		<-e.conv.Done()
		m.logger.Info("Conversation stopped", "conversation_id", e.conv.ID())
	}
	return len(expired)
}

// Close stops every conversation and the reaper.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	n := len(m.convs)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("Session manager closed", "conversations", n)
}
