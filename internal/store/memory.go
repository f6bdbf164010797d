package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps messages in process memory. It is the default when no
// database path is configured and doubles as a test fake.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
	blobs    BlobStore
	now      func() time.Time
}

// NewMemoryStore returns an empty store. blobs may be nil.
func NewMemoryStore(blobs BlobStore) *MemoryStore {
	return &MemoryStore{blobs: blobs, now: time.Now}
}

// Save implements MessageStore.
func (s *MemoryStore) Save(ctx context.Context, d Draft, originIP string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := d.Validate(); err != nil {
		return Message{}, err
	}
	d = d.Normalized()

	msg := Message{
		ID:        uuid.NewString(),
		Type:      d.Type,
		Content:   d.Content,
		URL:       d.URL,
		Filename:  d.Filename,
		FileSize:  d.FileSize,
		CreatedAt: s.now().UTC(),
		OriginIP:  originIP,
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg, nil
}

// Recent implements MessageStore.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.messages) {
		limit = len(s.messages)
	}
	out := make([]Message, 0, limit)
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.messages[i])
	}
	return out, nil
}

// DeleteByIDs implements MessageStore.
func (s *MemoryStore) DeleteByIDs(ctx context.Context, ids []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids = NormalizeIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	kept := s.messages[:0:0]
	var removed []Message
	for _, msg := range s.messages {
		if _, ok := wanted[msg.ID]; ok {
			removed = append(removed, msg)
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	s.mu.Unlock()

	ReleaseAttachments(ctx, s.blobs, removed)
	return IDs(removed), nil
}

// Page implements MessageStore.
func (s *MemoryStore) Page(ctx context.Context, offset, limit int) ([]Message, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.messages)
	out := []Message{}
	if offset < 0 || offset >= total || limit <= 0 {
		return out, total, nil
	}
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.messages[i])
	}
	return out, total, nil
}

// DeleteAll implements MessageStore.
func (s *MemoryStore) DeleteAll(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	removed := s.messages
	s.messages = nil
	s.mu.Unlock()

	ReleaseAttachments(ctx, s.blobs, removed)
	return IDs(removed), nil
}
