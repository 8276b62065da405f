package conversation

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"gastro-chat/internal/chat"
	"gastro-chat/internal/identity"
)

const (
	DefaultPreviewLength = 40
	attachmentPreview    = "📎 Document"
	markReadTimeout      = 5 * time.Second
)

// ReadMarker tells the server a conversation was read. client.API implements it.
type ReadMarker interface {
	MarkRead(ctx context.Context, key string) error
}

// Persister is the durable client-side copy of the view. Cache implements it.
type Persister interface {
	SaveMessage(ctx context.Context, msg chat.Message) error
	SaveContact(ctx context.Context, key string) error
	SaveUnread(ctx context.Context, key string, n int) error
	Load(ctx context.Context) (*Snapshot, error)
}

// Contact is one row of the contact list.
type Contact struct {
	Key             string    `json:"conversationKey"`
	LastMessageTime time.Time `json:"lastMessageTime,omitempty"`
	Preview         string    `json:"preview"`
	Unread          int       `json:"unread"`
	HasMessages     bool      `json:"hasMessages"`
}

// ViewModel projects a Store into what the dashboard renders. It is safe for
// concurrent use; the subscription callback and UI actions may race.
type ViewModel struct {
	mu     sync.Mutex
	store  *Store
	unread map[string]int
	active string

	marker     ReadMarker
	persist    Persister
	previewLen int
	log        *slog.Logger
	wg         sync.WaitGroup
}

type ViewOption func(*ViewModel)

func WithReadMarker(m ReadMarker) ViewOption { return func(v *ViewModel) { v.marker = m } }

func WithPersister(p Persister) ViewOption { return func(v *ViewModel) { v.persist = p } }

func WithPreviewLength(n int) ViewOption {
	return func(v *ViewModel) {
		if n > 1 {
			v.previewLen = n
		}
	}
}

func WithLogger(l *slog.Logger) ViewOption { return func(v *ViewModel) { v.log = l } }

func NewViewModel(store *Store, opts ...ViewOption) *ViewModel {
	if store == nil {
		store = NewStore()
	}
	v := &ViewModel{
		store:      store,
		unread:     make(map[string]int),
		previewLen: DefaultPreviewLength,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *ViewModel) Store() *Store { return v.store }

// Apply folds one hub event into the view. Connection frames are ignored.
func (v *ViewModel) Apply(ev chat.Event) {
	switch ev.Type {
	case chat.EventMessage:
		if ev.Message != nil {
			v.Merge(*ev.Message)
		}
	case chat.EventStatus:
		v.store.ApplyStatus(ev.ConversationKey, ev.MessageID, ev.DeliveryState)
	case chat.EventRead:
		// Another session read it.
		v.resetUnread(identity.Normalize(ev.ConversationKey))
	}
}

// Merge adds msg to its conversation. Re-delivery of a known id is a no-op.
// A newly seen received message bumps the unread count unless its
// conversation is the active one.
func (v *ViewModel) Merge(msg chat.Message) bool {
	added, err := v.store.Merge(msg)
	if err != nil {
		v.log.Warn("dropping message without conversation key", slog.String("message", msg.ID))
		return false
	}
	if !added {
		return false
	}
	key := identity.Normalize(msg.ConversationKey)
	msg.ConversationKey = key

	unread := -1
	v.mu.Lock()
	if msg.Direction == chat.DirectionReceived && key != v.active {
		v.unread[key]++
		unread = v.unread[key]
	}
	v.mu.Unlock()

	v.save(func(ctx context.Context, p Persister) error { return p.SaveMessage(ctx, msg) })
	if unread >= 0 {
		v.save(func(ctx context.Context, p Persister) error { return p.SaveUnread(ctx, key, unread) })
	}
	return true
}

// Register adds a known contact that has no messages yet.
func (v *ViewModel) Register(raw string) error {
	added, err := v.store.Register(raw)
	if err != nil {
		return err
	}
	if added {
		key := identity.Normalize(raw)
		v.save(func(ctx context.Context, p Persister) error { return p.SaveContact(ctx, key) })
	}
	return nil
}

func (v *ViewModel) UnreadCount(raw string) int {
	key := identity.Normalize(raw)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unread[key]
}

// MarkAsRead zeroes the unread count and tells the server without waiting.
func (v *ViewModel) MarkAsRead(raw string) {
	key := identity.Normalize(raw)
	if key == "" {
		return
	}
	v.resetUnread(key)
	if v.marker == nil {
		return
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := v.marker.MarkRead(ctx, key); err != nil {
			v.log.Warn("mark read not sent", slog.String("conversation", key), slog.Any("error", err))
		}
	}()
}

func (v *ViewModel) resetUnread(key string) {
	v.mu.Lock()
	had := v.unread[key] != 0
	delete(v.unread, key)
	v.mu.Unlock()
	if had {
		v.save(func(ctx context.Context, p Persister) error { return p.SaveUnread(ctx, key, 0) })
	}
}

// SetActive opens a conversation, which marks it read. An empty key closes
// the active view.
func (v *ViewModel) SetActive(raw string) {
	key := identity.Normalize(raw)
	v.mu.Lock()
	v.active = key
	v.mu.Unlock()
	if key != "" {
		v.MarkAsRead(key)
	}
}

func (v *ViewModel) Active() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// Preview is the last message of a conversation as shown in the contact list.
func (v *ViewModel) Preview(raw string) string {
	last, ok := v.store.Last(raw)
	if !ok {
		return ""
	}
	return v.preview(last)
}

func (v *ViewModel) preview(m chat.Message) string {
	if m.Content == "" && m.HasAttachment() {
		if m.DocumentName != "" {
			return truncate("📎 "+m.DocumentName, v.previewLen)
		}
		return attachmentPreview
	}
	return truncate(m.Content, v.previewLen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// SortedContacts lists conversations with messages newest first, then the
// empty ones in the order they were registered.
func (v *ViewModel) SortedContacts() []Contact {
	keys := v.store.Keys()
	v.mu.Lock()
	unread := make(map[string]int, len(v.unread))
	for k, n := range v.unread {
		unread[k] = n
	}
	v.mu.Unlock()

	out := make([]Contact, 0, len(keys))
	for _, key := range keys {
		c := Contact{Key: key, Unread: unread[key]}
		if last, ok := v.store.Last(key); ok {
			c.HasMessages = true
			c.LastMessageTime = last.Timestamp
			c.Preview = v.preview(last)
		}
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b Contact) int {
		switch {
		case a.HasMessages && !b.HasMessages:
			return -1
		case !a.HasMessages && b.HasMessages:
			return 1
		case !a.HasMessages:
			return 0
		}
		return b.LastMessageTime.Compare(a.LastMessageTime)
	})
	return out
}

// Restore reloads contacts, messages and unread counts from the persister.
func (v *ViewModel) Restore(ctx context.Context) error {
	if v.persist == nil {
		return nil
	}
	snap, err := v.persist.Load(ctx)
	if err != nil {
		return err
	}
	for _, key := range snap.Contacts {
		v.store.Register(key)
	}
	for _, m := range snap.Messages {
		v.store.Merge(m)
	}
	v.mu.Lock()
	for k, n := range snap.Unread {
		if n > 0 {
			v.unread[k] = n
		}
	}
	v.mu.Unlock()
	return nil
}

// Wait blocks until pending mark-read calls finish.
func (v *ViewModel) Wait() { v.wg.Wait() }

func (v *ViewModel) save(fn func(context.Context, Persister) error) {
	if v.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	if err := fn(ctx, v.persist); err != nil {
		v.log.Warn("view cache write failed", slog.Any("error", err))
	}
}
