// Package realtime turns the persistent store into push-style subscriptions:
// every append to a conversation log and every agent-status write is
// delivered to the conversation's subscribers as an immutable snapshot.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/parcel-chat/internal/domain"
)

// ErrClosed is returned after the hub has been closed.
var ErrClosed = errors.New("realtime hub closed")

// Store is the subset of the repository the hub needs.
type Store interface {
	AppendMessage(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	GetAgentStatus(ctx context.Context, conversationID string) (domain.AgentStatus, error)
	SetAgentStatus(ctx context.Context, conversationID string, status domain.AgentStatus) error
}

// StatusUpdate is one delivery on an agent-status subscription. Err is set
// when the channel could not be read; subscribers treat that as AgentNone.
type StatusUpdate struct {
	Status domain.AgentStatus
	Err    error
}

// subscription is a coalescing mailbox: it holds at most one pending value
// and a newer publish replaces an unread one.
type subscription[T any] struct {
	id int64
	ch chan T
}

func (s *subscription[T]) offer(v T) {
	select {
	case s.ch <- v:
		return
	default:
	}
	// Drop the stale snapshot; publishers are serialized by the topic lock
	// so the slot is free afterwards.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
}

type topic struct {
	mu         sync.Mutex
	history    *Ring[domain.Message]
	loaded     bool
	// dead is set when the topic leaves the hub; writers that raced the
	// release must look the conversation up again.
	dead       bool
	status     *domain.AgentStatus
	msgSubs    map[int64]*subscription[[]domain.Message]
	statusSubs map[int64]*subscription[StatusUpdate]
}

func (t *topic) idle() bool {
	return len(t.msgSubs) == 0 && len(t.statusSubs) == 0
}

// Hub fans store writes out to in-process subscribers.
type Hub struct {
	store  Store
	limit  int
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
	nextID int64
	closed bool
}

// NewHub creates a hub whose message snapshots hold the last limit messages.
func NewHub(store Store, limit int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 50
	}
	return &Hub{
		store:  store,
		limit:  limit,
		logger: logger,
		topics: make(map[string]*topic),
	}
}

// HistoryLimit is the number of messages carried by each snapshot.
func (h *Hub) HistoryLimit() int { return h.limit }

// acquire returns the topic for a conversation, creating it if needed, and
// a fresh subscription id.
func (h *Hub) acquire(conversationID string) (*topic, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, 0, ErrClosed
	}
	t, ok := h.topics[conversationID]
	if !ok {
		t = &topic{
			history:    NewRing[domain.Message](h.limit),
			msgSubs:    make(map[int64]*subscription[[]domain.Message]),
			statusSubs: make(map[int64]*subscription[StatusUpdate]),
		}
		h.topics[conversationID] = t
	}
	h.nextID++
	return t, h.nextID, nil
}

func (h *Hub) lookup(conversationID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topics[conversationID]
}

// lockLive returns the conversation's topic with t.mu held, or nil when
// nobody subscribes.
func (h *Hub) lockLive(conversationID string) *topic {
	for {
		t := h.lookup(conversationID)
		if t == nil {
			return nil
		}
		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

// acquireLive is acquire with t.mu held on a topic still owned by the hub.
func (h *Hub) acquireLive(conversationID string) (*topic, int64, error) {
	for {
		t, id, err := h.acquire(conversationID)
		if err != nil {
			return nil, 0, err
		}
		t.mu.Lock()
		if !t.dead {
			return t, id, nil
		}
		t.mu.Unlock()
	}
}

// release drops the topic once nobody listens, so its cache is rebuilt from
// the store on the next subscribe.
func (h *Hub) release(conversationID string, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idle() && h.topics[conversationID] == t {
		delete(h.topics, conversationID)
		t.dead = true
	}
}

// loadHistory fills the ring cache from the store. Caller holds t.mu.
func (h *Hub) loadHistory(ctx context.Context, conversationID string, t *topic) error {
	if t.loaded {
		return nil
	}
	msgs, err := h.store.RecentMessages(ctx, conversationID, h.limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	t.history.Reset()
	for _, m := range msgs {
		t.history.Push(m)
	}
	t.loaded = true
	return nil
}

// Subscribe delivers the current message window immediately and again after
// every append. The returned cancel func stops delivery and closes the
// channel.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (<-chan []domain.Message, func(), error) {
	t, id, err := h.acquireLive(conversationID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscription[[]domain.Message]{id: id, ch: make(chan []domain.Message, 1)}

	if err := h.loadHistory(ctx, conversationID, t); err != nil {
		t.mu.Unlock()
		h.release(conversationID, t)
		return nil, nil, err
	}
	t.msgSubs[id] = sub
	sub.offer(t.history.Items())
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if _, ok := t.msgSubs[id]; ok {
				delete(t.msgSubs, id)
				close(sub.ch)
			}
			t.mu.Unlock()
			h.release(conversationID, t)
		})
	}
	return sub.ch, cancel, nil
}

// Append writes a message to the log and publishes the new window.
func (h *Hub) Append(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error) {
	if t := h.lockLive(conversationID); t != nil {
		// The topic lock keeps cache order equal to log order.
		defer t.mu.Unlock()

		stored, err := h.store.AppendMessage(ctx, conversationID, msg)
		if err != nil {
			return domain.Message{}, err
		}
		h.publishLocked(conversationID, t, stored)
		return stored, nil
	}

	stored, err := h.store.AppendMessage(ctx, conversationID, msg)
	if err != nil {
		return domain.Message{}, err
	}
	// A subscriber may have arrived while the write was in flight.
	if t := h.lockLive(conversationID); t != nil {
		h.publishLocked(conversationID, t, stored)
		t.mu.Unlock()
	}
	return stored, nil
}

// publishLocked adds m to the cache and fans the window out. Caller holds
// t.mu. Messages already covered by the cache are ignored.
func (h *Hub) publishLocked(conversationID string, t *topic, m domain.Message) {
	if !t.loaded {
		return
	}
	items := t.history.Items()
	if n := len(items); n > 0 && !items[n-1].Before(m) {
		return
	}
	t.history.Push(m)
	snapshot := t.history.Items()
	for _, sub := range t.msgSubs {
		sub.offer(snapshot)
	}
	h.logger.Debug("Published message snapshot",
		"conversation_id", conversationID,
		"message_id", m.ID,
		"subscribers", len(t.msgSubs),
	)
}

// History returns up to limit most recent messages straight from the store.
func (h *Hub) History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	return h.store.RecentMessages(ctx, conversationID, limit)
}

// SubscribeStatus delivers the current agent status immediately and again
// after every write. A failed read is delivered as an update with Err set.
func (h *Hub) SubscribeStatus(ctx context.Context, conversationID string) (<-chan StatusUpdate, func(), error) {
	t, id, err := h.acquireLive(conversationID)
	if err != nil {
		return nil, nil, err
	}
	sub := &subscription[StatusUpdate]{id: id, ch: make(chan StatusUpdate, 1)}

	update := StatusUpdate{}
	if t.status != nil {
		update.Status = *t.status
	} else {
		status, err := h.store.GetAgentStatus(ctx, conversationID)
		if err != nil {
			h.logger.Warn("Failed to read agent status", "conversation_id", conversationID, "error", err)
			update.Err = err
		} else {
			t.status = &status
			update.Status = status
		}
	}
	t.statusSubs[id] = sub
	sub.offer(update)
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if _, ok := t.statusSubs[id]; ok {
				delete(t.statusSubs, id)
				close(sub.ch)
			}
			t.mu.Unlock()
			h.release(conversationID, t)
		})
	}
	return sub.ch, cancel, nil
}

// SetStatus writes the agent status and publishes it.
func (h *Hub) SetStatus(ctx context.Context, conversationID string, status domain.AgentStatus) error {
	if t := h.lockLive(conversationID); t != nil {
		defer t.mu.Unlock()
		if err := h.store.SetAgentStatus(ctx, conversationID, status); err != nil {
			return err
		}
		publishStatusLocked(t, status)
		return nil
	}

	if err := h.store.SetAgentStatus(ctx, conversationID, status); err != nil {
		return err
	}
	if t := h.lockLive(conversationID); t != nil {
		publishStatusLocked(t, status)
		t.mu.Unlock()
	}
	return nil
}

func publishStatusLocked(t *topic, status domain.AgentStatus) {
	t.status = &status
	for _, sub := range t.statusSubs {
		sub.offer(StatusUpdate{Status: status})
	}
}

// GetStatus reads the current agent status.
func (h *Hub) GetStatus(ctx context.Context, conversationID string) (domain.AgentStatus, error) {
	return h.store.GetAgentStatus(ctx, conversationID)
}

// Close stops all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.closed = true
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.dead = true
		for id, sub := range t.msgSubs {
			close(sub.ch)
			delete(t.msgSubs, id)
		}
		for id, sub := range t.statusSubs {
			close(sub.ch)
			delete(t.statusSubs, id)
		}
		t.mu.Unlock()
	}
}
