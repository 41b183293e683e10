package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultConversationTTL is how long an idle conversation is kept.
const DefaultConversationTTL = 24 * time.Hour

type conversation struct {
	models.Conversation
	turn chan struct{} // one slot; held for the duration of a turn
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation // key: id

	ttl           time.Duration
	evictInterval time.Duration
	now           func() time.Time

	doneCh    chan struct{}
	closeOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithConversationTTL sets the idle time after which a conversation is
// evicted. Zero or less keeps conversations forever.
func WithConversationTTL(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.ttl = d }
}

// WithEvictionInterval sets how often idle conversations are swept.
func WithEvictionInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.evictInterval = d
		}
	}
}

// NewMemoryStore creates a new in-memory store and starts its eviction loop.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		conversations: make(map[string]*conversation),
		ttl:           DefaultConversationTTL,
		evictInterval: 10 * time.Minute,
		now:           time.Now,
		doneCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	if m.ttl > 0 {
		go m.evictionLoop()
	}

	log.Info().
		Str("conversation_ttl", m.ttl.String()).
		Msg("Memory store configured")
	return m
}

// Close stops the eviction loop.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.doneCh) })
	return nil
}

// evictionLoop periodically removes conversations idle longer than ttl.
func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(m.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle removes idle conversations. A conversation in the middle of a
// turn is never evicted.
func (m *MemoryStore) evictIdle() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var evicted int
	for id, c := range m.conversations {
		if !c.UpdatedAt.Before(cutoff) || len(c.turn) > 0 {
			continue
		}
		delete(m.conversations, id)
		evicted++
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.ttl.String()).Msg("Evicted idle conversations")
	}
	return evicted
}

// ── Conversations ───────────────────────────────────────────

func (m *MemoryStore) CreateConversation(_ context.Context, seed models.History) (*models.Conversation, error) {
	now := m.now().UTC()
	c := &conversation{
		Conversation: models.Conversation{
			ID:        uuid.NewString(),
			History:   append(models.History(nil), seed...),
			CreatedAt: now,
			UpdatedAt: now,
		},
		turn: make(chan struct{}, 1),
	}

	m.mu.Lock()
	m.conversations[c.ID] = c
	m.mu.Unlock()

	out := c.snapshot()
	return &out, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	out := c.snapshot()
	return &out, nil
}

// ListConversations returns conversations most recently updated first.
// Histories are omitted.
func (m *MemoryStore) ListConversations(_ context.Context, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	out := make([]models.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		summary := c.Conversation
		summary.History = nil
		out = append(out, summary)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	delete(m.conversations, id)
	return nil
}

// RunTurn waits for the conversation's turn slot, runs fn on a private copy
// of the history and commits the result. Readers never observe a history
// mid-turn. A conversation deleted or evicted before the commit reports
// NotFound and the turn is dropped.
func (m *MemoryStore) RunTurn(ctx context.Context, id string, fn TurnFunc) (string, error) {
	m.mu.RLock()
	c, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok {
		return "", &ErrNotFound{Entity: "conversation", Key: id}
	}

	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return "", ErrBusy
	}
	defer func() { <-c.turn }()

	// The conversation may have been deleted or evicted while this turn
	// waited for the slot.
	m.mu.RLock()
	live := m.conversations[id] == c
	history := append(models.History(nil), c.History...)
	m.mu.RUnlock()
	if !live {
		return "", &ErrNotFound{Entity: "conversation", Key: id}
	}

	reply := fn(ctx, &history)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversations[id] != c {
		log.Warn().Str("conversation", id).Msg("Conversation deleted during turn; reply discarded")
		return "", &ErrNotFound{Entity: "conversation", Key: id}
	}
	c.History = history
	c.Turns++
	c.UpdatedAt = m.now().UTC()
	return reply, nil
}

func (c *conversation) snapshot() models.Conversation {
	out := c.Conversation
	out.History = append(models.History(nil), c.History...)
	return out
}
