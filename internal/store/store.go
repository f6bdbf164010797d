// Package store defines the persistence collaborators the gateway calls:
// a message store for broadcast records and a blob store for attachments.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType is the structural kind of a broadcast record.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeLink  MessageType = "link"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

var (
	// ErrInvalidMessage reports a draft whose structure does not match its type.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnavailable reports a store that cannot serve requests.
	ErrUnavailable = errors.New("message store unavailable")
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeLink, TypeImage, TypeFile:
		return true
	}
	return false
}

// HasAttachment reports whether records of this type reference a blob.
func (t MessageType) HasAttachment() bool {
	return t == TypeImage || t == TypeFile
}

// Draft is an unsaved message as submitted by a peer.
type Draft struct {
	Type     MessageType `json:"type"`
	Content  string      `json:"content,omitempty"`
	URL      string      `json:"url,omitempty"`
	Filename string      `json:"filename,omitempty"`
	FileSize *int64      `json:"fileSize,omitempty"`
}

// Message is a persisted broadcast record.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`
	URL       string      `json:"url,omitempty"`
	Filename  string      `json:"filename,omitempty"`
	FileSize  *int64      `json:"fileSize,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	OriginIP  string      `json:"userIp,omitempty"`
}

// Validate checks the structural shape of d. Content is not interpreted.
func (d Draft) Validate() error {
	if d.Type == "" {
		d.Type = TypeText
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, d.Type)
	}
	switch d.Type {
	case TypeText:
		if strings.TrimSpace(d.Content) == "" {
			return fmt.Errorf("%w: text message requires content", ErrInvalidMessage)
		}
	case TypeLink:
		if strings.TrimSpace(d.URL) == "" && strings.TrimSpace(d.Content) == "" {
			return fmt.Errorf("%w: link message requires url or content", ErrInvalidMessage)
		}
	case TypeImage, TypeFile:
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("%w: %s message requires url", ErrInvalidMessage, d.Type)
		}
	}
	if d.FileSize != nil && *d.FileSize < 0 {
		return fmt.Errorf("%w: negative file size", ErrInvalidMessage)
	}
	return nil
}

// Normalized returns d with the default type applied.
func (d Draft) Normalized() Draft {
	if d.Type == "" {
		d.Type = TypeText
	}
	return d
}

// MessageStore persists broadcast records.
type MessageStore interface {
	// Save validates and persists d, stamping an id, creation time and origin.
	Save(ctx context.Context, d Draft, originIP string) (Message, error)
	// Recent returns at most limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Message, error)
	// Page returns at most limit records newest first after skipping offset,
	// together with the total number of stored records.
	Page(ctx context.Context, offset, limit int) ([]Message, int, error)
	// DeleteByIDs removes the given records and their attachments and returns
	// the ids that were actually deleted. Unknown ids are ignored.
	DeleteByIDs(ctx context.Context, ids []string) ([]string, error)
	// DeleteAll removes every record and its attachments and returns the
	// deleted ids.
	DeleteAll(ctx context.Context) ([]string, error)
}

// BlobStore removes attachment payloads. Deletion is best-effort: failures are
// logged by the implementation and reported only as false.
type BlobStore interface {
	DeleteByReference(ctx context.Context, url string) bool
}

// ReleaseAttachments hands every attachment reference among msgs to blobs.
func ReleaseAttachments(ctx context.Context, blobs BlobStore, msgs []Message) {
	if blobs == nil {
		return
	}
	for _, msg := range msgs {
		if msg.Type.HasAttachment() && msg.URL != "" {
			blobs.DeleteByReference(ctx, msg.URL)
		}
	}
}

// IDs returns the ids of msgs in order.
func IDs(msgs []Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	return ids
}

// NormalizeIDs trims ids, drops blanks and removes duplicates, keeping order.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
