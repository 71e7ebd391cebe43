package routing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ainp-network/broker/internal/errs"
)

// Message is one durably stored mailbox row.
type Message struct {
	ID           string
	FromDID      string
	ToDID        string
	Participants []string
	Payload      json.RawMessage
	Labels       map[string][]string // per-owner DID -> labels
	ReadBy       map[string]bool     // per-owner DID -> read state
	CreatedAt    time.Time
}

func (m Message) isParticipant(did string) bool {
	for _, p := range m.Participants {
		if p == did {
			return true
		}
	}
	return false
}

// Cursor is the opaque, stable pagination key: (created_at, id), the
// same tie-break technique as an append-only log with a monotonic
// secondary sort key.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) encode() string {
	raw := fmt.Sprintf("%d:%s", c.CreatedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, errs.New("INVALID_REQUEST", "malformed cursor")
	}
	var nanos int64
	var id string
	if _, err := fmt.Sscanf(string(raw), "%d:%s", &nanos, &id); err != nil {
		return Cursor{}, errs.New("INVALID_REQUEST", "malformed cursor")
	}
	return Cursor{CreatedAt: time.Unix(0, nanos), ID: id}, nil
}

// Page is one cursor-paginated slice of mailbox messages.
type Page struct {
	Messages   []Message
	NextCursor string // empty when there is no further page
}

// Store is the persistence interface for the mailbox, exactly-once on
// message ID.
type Store interface {
	// Store inserts msg; a repeat call with the same ID is a no-op
	// (exactly-once, idempotency keyed by envelope id).
	Store(ctx context.Context, msg Message) error
	// Inbox lists messages where did is a participant, newest first,
	// cursor-paginated.
	Inbox(ctx context.Context, did string, cursor string, limit int) (Page, error)
	// MarkRead sets did's read state for msg id; fails with FORBIDDEN
	// if did is not a participant.
	MarkRead(ctx context.Context, did, msgID string, read bool) error
	// Label attaches/removes a per-owner label; fails with FORBIDDEN
	// if did is not a participant.
	Label(ctx context.Context, did, msgID, label string, add bool) error
}

// MemoryStore is an in-process Store for tests and the dev profile.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message), clock: time.Now}
}

// WithClock overrides the store's clock, for tests.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func cloneMessage(msg *Message) Message {
	cp := *msg
	cp.Participants = append([]string(nil), msg.Participants...)
	cp.Labels = make(map[string][]string, len(msg.Labels))
	for k, v := range msg.Labels {
		cp.Labels[k] = append([]string(nil), v...)
	}
	cp.ReadBy = make(map[string]bool, len(msg.ReadBy))
	for k, v := range msg.ReadBy {
		cp.ReadBy[k] = v
	}
	return cp
}

func (m *MemoryStore) Store(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return nil // exactly-once: already stored
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.clock()
	}
	if msg.Labels == nil {
		msg.Labels = make(map[string][]string)
	}
	if msg.ReadBy == nil {
		msg.ReadBy = make(map[string]bool)
	}
	cp := msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) Inbox(ctx context.Context, did string, cursorStr string, limit int) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cursor, err := decodeCursor(cursorStr)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = 50
	}

	var matching []Message
	for _, msg := range m.messages {
		if msg.isParticipant(did) {
			matching = append(matching, cloneMessage(msg))
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].CreatedAt.Equal(matching[j].CreatedAt) {
			return matching[i].CreatedAt.After(matching[j].CreatedAt)
		}
		return matching[i].ID > matching[j].ID
	})

	var page []Message
	for _, msg := range matching {
		if cursorStr != "" && !before(msg, cursor) {
			continue
		}
		page = append(page, msg)
		if len(page) >= limit {
			break
		}
	}

	var next string
	if len(page) == limit && len(page) > 0 {
		last := page[len(page)-1]
		next = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.encode()
	}
	return Page{Messages: page, NextCursor: next}, nil
}

// before reports whether msg sorts strictly after cursor in the
// newest-first ordering (i.e. belongs on the next page).
func before(msg Message, cursor Cursor) bool {
	if !msg.CreatedAt.Equal(cursor.CreatedAt) {
		return msg.CreatedAt.Before(cursor.CreatedAt)
	}
	return msg.ID < cursor.ID
}

func (m *MemoryStore) MarkRead(ctx context.Context, did, msgID string, read bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[msgID]
	if !ok {
		return errs.New("NOT_FOUND", "no message %s", msgID)
	}
	if !msg.isParticipant(did) {
		return errs.New("FORBIDDEN", "%s is not a participant of message %s", did, msgID)
	}
	msg.ReadBy[did] = read
	return nil
}

func (m *MemoryStore) Label(ctx context.Context, did, msgID, label string, add bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[msgID]
	if !ok {
		return errs.New("NOT_FOUND", "no message %s", msgID)
	}
	if !msg.isParticipant(did) {
		return errs.New("FORBIDDEN", "%s is not a participant of message %s", did, msgID)
	}
	labels := msg.Labels[did]
	if add {
		for _, l := range labels {
			if l == label {
				return nil
			}
		}
		msg.Labels[did] = append(labels, label)
		return nil
	}
	out := labels[:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	msg.Labels[did] = out
	return nil
}
