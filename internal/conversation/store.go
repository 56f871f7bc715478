// Package conversation persists conversation references so adapters can send
// proactive messages (owner notices, `user:` targets) after the inbound
// activity is gone.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/db"
)

var ErrNotFound = errors.New("conversation reference not found")

// Store is the SQL-backed conversation reference store.
type Store struct {
	logger  *slog.Logger
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewStore creates a Store over an already migrated database.
func NewStore(log *slog.Logger, conn *sql.DB, dialect db.Dialect) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		logger:  log.With(slog.String("component", "conversation_store")),
		db:      conn,
		dialect: dialect,
		now:     time.Now,
	}
}

// Save upserts the reference of conversationID, replacing any earlier one.
func (s *Store) Save(ctx context.Context, conversationID string, ref channel.ConversationRef) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || strings.TrimSpace(string(ref.Channel)) == "" {
		return fmt.Errorf("channel and conversation id are required")
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = s.now()
	}
	ref.ConversationID = conversationID
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode conversation reference: %w", err)
	}
	query := s.dialect.Rebind(`INSERT INTO conversation_refs (channel, conversation_id, user_id, surface, reference, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (channel, conversation_id) DO UPDATE SET
	user_id = excluded.user_id,
	surface = excluded.surface,
	reference = excluded.reference,
	updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query,
		string(ref.Channel), conversationID, referenceUser(ref), string(ref.Surface), string(payload), db.NowMillis(ref.UpdatedAt)); err != nil {
		return fmt.Errorf("save conversation reference: %w", err)
	}
	return nil
}

// Get returns the reference stored for a conversation.
func (s *Store) Get(ctx context.Context, ct channel.ChannelType, conversationID string) (channel.ConversationRef, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT reference FROM conversation_refs WHERE channel = ? AND conversation_id = ?`),
		string(ct), strings.TrimSpace(conversationID))
	return scanReference(row)
}

// FindDirect returns the most recent direct conversation with userID. It is
// how `user:<id>` targets are resolved for proactive sends.
func (s *Store) FindDirect(ctx context.Context, ct channel.ChannelType, userID string) (channel.ConversationRef, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT reference FROM conversation_refs
WHERE channel = ? AND user_id = ? AND surface = ? ORDER BY updated_at DESC LIMIT 1`),
		string(ct), strings.TrimSpace(userID), string(channel.SurfaceDM))
	return scanReference(row)
}

// List returns every stored reference of a channel, newest first.
func (s *Store) List(ctx context.Context, ct channel.ChannelType) ([]channel.ConversationRef, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT reference FROM conversation_refs WHERE channel = ? ORDER BY updated_at DESC`),
		string(ct))
	if err != nil {
		return nil, fmt.Errorf("list conversation references: %w", err)
	}
	defer rows.Close()
	items := make([]channel.ConversationRef, 0)
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ref)
	}
	return items, rows.Err()
}

// Delete removes a stored reference, e.g. after the bot was removed from it.
func (s *Store) Delete(ctx context.Context, ct channel.ChannelType, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM conversation_refs WHERE channel = ? AND conversation_id = ?`),
		string(ct), strings.TrimSpace(conversationID)); err != nil {
		return fmt.Errorf("delete conversation reference: %w", err)
	}
	return nil
}

// Teams DMs are looked up by AAD object id when present.
func referenceUser(ref channel.ConversationRef) string {
	if id := strings.TrimSpace(ref.UserAADObjectID); id != "" {
		return id
	}
	return strings.TrimSpace(ref.UserID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReference(row rowScanner) (channel.ConversationRef, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return channel.ConversationRef{}, ErrNotFound
		}
		return channel.ConversationRef{}, fmt.Errorf("scan conversation reference: %w", err)
	}
	var ref channel.ConversationRef
	if err := json.Unmarshal([]byte(payload), &ref); err != nil {
		return channel.ConversationRef{}, fmt.Errorf("decode conversation reference: %w", err)
	}
	return ref, nil
}
