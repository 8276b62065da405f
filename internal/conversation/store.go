// Package conversation holds the client-side view of every conversation: a
// deduplicated, time-ordered log per contact and the derived state the
// dashboard shows (unread counts, previews, contact order).
package conversation

import (
	"cmp"
	"slices"
	"sync"

	"gastro-chat/internal/chat"
	"gastro-chat/internal/identity"
)

// Store keeps one message log per conversation key. Merging is idempotent
// and commutative: the log is unique by message id and sorted by timestamp,
// then id, whatever order messages arrive in.
type Store struct {
	mu    sync.RWMutex
	logs  map[string][]chat.Message
	seen  map[string]map[string]struct{}
	order []string
}

func NewStore() *Store {
	return &Store{
		logs: make(map[string][]chat.Message),
		seen: make(map[string]map[string]struct{}),
	}
}

// Register records a known contact with no messages yet. It reports whether
// the key was new.
func (s *Store) Register(raw string) (bool, error) {
	key, err := identity.Require(raw)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(key), nil
}

func (s *Store) ensure(key string) bool {
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = make(map[string]struct{})
	s.order = append(s.order, key)
	return true
}

// Merge inserts msg into its conversation. It reports false when the id was
// already present.
func (s *Store) Merge(msg chat.Message) (bool, error) {
	key, err := identity.Require(msg.ConversationKey)
	if err != nil {
		return false, err
	}
	msg.ConversationKey = key

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(key)
	if _, dup := s.seen[key][msg.ID]; dup {
		return false, nil
	}
	s.seen[key][msg.ID] = struct{}{}

	log := append(s.logs[key], msg)
	slices.SortStableFunc(log, compareMessages)
	s.logs[key] = log
	return true, nil
}

func compareMessages(a, b chat.Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ApplyStatus advances the delivery state of one message. It reports whether
// the state changed.
func (s *Store) ApplyStatus(raw, messageID string, next chat.DeliveryState) bool {
	key := identity.Normalize(raw)
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[key]
	for i := range log {
		if log[i].ID != messageID {
			continue
		}
		adv := log[i].DeliveryState.Advance(next)
		if adv == log[i].DeliveryState {
			return false
		}
		log[i].DeliveryState = adv
		return true
	}
	return false
}

// Messages returns a copy of the log for raw, oldest first.
func (s *Store) Messages(raw string) []chat.Message {
	key := identity.Normalize(raw)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs[key])
}

// Last returns the newest message of a conversation.
func (s *Store) Last(raw string) (chat.Message, bool) {
	key := identity.Normalize(raw)
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[key]
	if len(log) == 0 {
		return chat.Message{}, false
	}
	return log[len(log)-1], true
}

func (s *Store) Has(raw, messageID string) bool {
	key := identity.Normalize(raw)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[key][messageID]
	return ok
}

// Keys lists every known conversation in registration order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

func (s *Store) Len(raw string) int {
	key := identity.Normalize(raw)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[key])
}
