// Package sqlite provides a SQLite-backed message store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/relay/internal/store"
)

//go:embed schema.sql
var schema string

// Store persists broadcast messages in SQLite.
type Store struct {
	sqlDB *sql.DB
	blobs store.BlobStore
	now   func() time.Time
}

var _ store.MessageStore = (*Store)(nil)

// Open opens the database at path and applies the schema. blobs may be nil.
func Open(path string, blobs store.BlobStore) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, blobs: blobs, now: time.Now}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save implements store.MessageStore.
func (s *Store) Save(ctx context.Context, d store.Draft, originIP string) (store.Message, error) {
	if s == nil || s.sqlDB == nil {
		return store.Message{}, fmt.Errorf("%w: storage is not configured", store.ErrUnavailable)
	}
	if err := d.Validate(); err != nil {
		return store.Message{}, err
	}
	d = d.Normalized()

	msg := store.Message{
		ID:        uuid.NewString(),
		Type:      d.Type,
		Content:   d.Content,
		URL:       d.URL,
		Filename:  d.Filename,
		FileSize:  d.FileSize,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
		OriginIP:  originIP,
	}

	var fileSize sql.NullInt64
	if msg.FileSize != nil {
		fileSize = sql.NullInt64{Int64: *msg.FileSize, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (id, type, content, url, filename, file_size, created_at, origin_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		string(msg.Type),
		msg.Content,
		msg.URL,
		msg.Filename,
		fileSize,
		msg.CreatedAt.UnixMilli(),
		msg.OriginIP,
	)
	if err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Recent implements store.MessageStore.
func (s *Store) Recent(ctx context.Context, limit int) ([]store.Message, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("%w: storage is not configured", store.ErrUnavailable)
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, type, content, url, filename, file_size, created_at, origin_ip
		 FROM messages
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// DeleteByIDs implements store.MessageStore.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("%w: storage is not configured", store.ErrUnavailable)
	}
	ids = store.NormalizeIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, type, content, url, filename, file_size, created_at, origin_ip
		 FROM messages WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages for delete: %w", err)
	}
	removed, err := scanMessages(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}

	store.ReleaseAttachments(ctx, s.blobs, removed)
	return store.IDs(removed), nil
}

// Page implements store.MessageStore.
func (s *Store) Page(ctx context.Context, offset, limit int) ([]store.Message, int, error) {
	if s == nil || s.sqlDB == nil {
		return nil, 0, fmt.Errorf("%w: storage is not configured", store.ErrUnavailable)
	}

	var total int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	if offset < 0 || offset >= total || limit <= 0 {
		return []store.Message{}, total, nil
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, type, content, url, filename, file_size, created_at, origin_ip
		 FROM messages
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query message page: %w", err)
	}
	defer rows.Close()

	page, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	if page == nil {
		page = []store.Message{}
	}
	return page, total, nil
}

// DeleteAll implements store.MessageStore.
func (s *Store) DeleteAll(ctx context.Context) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("%w: storage is not configured", store.ErrUnavailable)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, type, content, url, filename, file_size, created_at, origin_ip
		 FROM messages ORDER BY created_at, rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages for clear: %w", err)
	}
	removed, err := scanMessages(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return nil, fmt.Errorf("clear messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear: %w", err)
	}

	store.ReleaseAttachments(ctx, s.blobs, removed)
	return store.IDs(removed), nil
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var (
			msg       store.Message
			msgType   string
			fileSize  sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(
			&msg.ID,
			&msgType,
			&msg.Content,
			&msg.URL,
			&msg.Filename,
			&fileSize,
			&createdAt,
			&msg.OriginIP,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = store.MessageType(msgType)
		if fileSize.Valid {
			size := fileSize.Int64
			msg.FileSize = &size
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
