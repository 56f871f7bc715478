// Package pairing persists DM pairing requests and the approved allow-list.
package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/memoh-gateway/internal/db"
)

const (
	// CodeAlphabet omits characters that are easy to confuse (0/O, 1/I).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 8

	DefaultTTL        = time.Hour
	DefaultMaxPending = 3

	codeAttempts = 5
)

var (
	ErrNotFound       = errors.New("pairing request not found")
	ErrTooManyPending = errors.New("too many pending pairing requests")
)

// Request is a pending pairing request.
type Request struct {
	Provider   string            `json:"provider"`
	ExternalID string            `json:"external_id"`
	Code       string            `json:"code"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastSeenAt time.Time         `json:"last_seen_at"`
}

// AllowEntry is one approved sender.
type AllowEntry struct {
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Options tune a Store.
type Options struct {
	TTL        time.Duration
	MaxPending int
	Now        func() time.Time
}

// Store is the SQL-backed pairing store.
type Store struct {
	logger     *slog.Logger
	db         *sql.DB
	dialect    db.Dialect
	ttl        time.Duration
	maxPending int
	now        func() time.Time
}

// NewStore creates a Store over an already migrated database.
func NewStore(log *slog.Logger, conn *sql.DB, dialect db.Dialect, opts Options) *Store {
	if log == nil {
		log = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		logger:     log.With(slog.String("component", "pairing")),
		db:         conn,
		dialect:    dialect,
		ttl:        opts.TTL,
		maxPending: opts.MaxPending,
		now:        opts.Now,
	}
}

// UpsertRequest returns the pending request of (provider, externalID),
// creating it with a fresh code when none exists. created reports whether
// this call minted the code. Concurrent callers for the same key always get
// the same code: the insert is a single conflict-ignoring statement and the
// loser reads back the winner's row.
func (s *Store) UpsertRequest(ctx context.Context, provider, externalID string, meta map[string]string) (Request, bool, error) {
	provider, externalID = normalizeKey(provider), normalizeKey(externalID)
	if provider == "" || externalID == "" {
		return Request{}, false, fmt.Errorf("provider and external id are required")
	}
	now := s.now()
	cutoff := db.NowMillis(now.Add(-s.ttl))

	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pairing_requests WHERE provider = ? AND external_id = ? AND created_at < ?`),
		provider, externalID, cutoff); err != nil {
		return Request{}, false, fmt.Errorf("expire pairing request: %w", err)
	}
	if existing, err := s.touch(ctx, provider, externalID, now); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Request{}, false, err
	}

	var pending int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM pairing_requests WHERE provider = ? AND created_at >= ?`),
		provider, cutoff).Scan(&pending); err != nil {
		return Request{}, false, fmt.Errorf("count pairing requests: %w", err)
	}
	if pending >= s.maxPending {
		return Request{}, false, ErrTooManyPending
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Request{}, false, fmt.Errorf("encode pairing meta: %w", err)
	}
	if meta == nil {
		metaJSON = []byte("{}")
	}
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return Request{}, false, err
		}
		res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO pairing_requests (provider, external_id, code, meta, created_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
			provider, externalID, code, string(metaJSON), db.NowMillis(now), db.NowMillis(now))
		if err != nil {
			return Request{}, false, fmt.Errorf("insert pairing request: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			s.logger.Info("pairing code issued", slog.String("provider", provider), slog.String("external_id", externalID))
			return Request{
				Provider:   provider,
				ExternalID: externalID,
				Code:       code,
				Meta:       meta,
				CreatedAt:  db.FromMillis(db.NowMillis(now)),
				LastSeenAt: db.FromMillis(db.NowMillis(now)),
			}, true, nil
		}
		// Either a concurrent caller created the row or the code collided.
		existing, err := s.get(ctx, provider, externalID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Request{}, false, err
		}
	}
	return Request{}, false, fmt.Errorf("could not allocate a unique pairing code")
}

// ReadAllowFrom returns the approved sender ids of a provider.
func (s *Store) ReadAllowFrom(ctx context.Context, provider string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT external_id FROM pairing_allow_from WHERE provider = ? ORDER BY external_id`),
		normalizeKey(provider))
	if err != nil {
		return nil, fmt.Errorf("read allow-from: %w", err)
	}
	defer rows.Close()
	items := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan allow-from: %w", err)
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

// ListAllowFrom returns the approved senders of a provider with audit fields.
func (s *Store) ListAllowFrom(ctx context.Context, provider string) ([]AllowEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT provider, external_id, approved_by, created_at FROM pairing_allow_from WHERE provider = ? ORDER BY created_at, external_id`),
		normalizeKey(provider))
	if err != nil {
		return nil, fmt.Errorf("list allow-from: %w", err)
	}
	defer rows.Close()
	items := make([]AllowEntry, 0)
	for rows.Next() {
		var (
			entry   AllowEntry
			created int64
		)
		if err := rows.Scan(&entry.Provider, &entry.ExternalID, &entry.ApprovedBy, &created); err != nil {
			return nil, fmt.Errorf("scan allow-from: %w", err)
		}
		entry.CreatedAt = db.FromMillis(created)
		items = append(items, entry)
	}
	return items, rows.Err()
}

// ListRequests returns unexpired pending requests of a provider, oldest first.
func (s *Store) ListRequests(ctx context.Context, provider string) ([]Request, error) {
	cutoff := db.NowMillis(s.now().Add(-s.ttl))
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT provider, external_id, code, meta, created_at, last_seen_at
FROM pairing_requests WHERE provider = ? AND created_at >= ? ORDER BY created_at, external_id`),
		normalizeKey(provider), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	defer rows.Close()
	items := make([]Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, req)
	}
	return items, rows.Err()
}

// Approve moves the sender behind code onto the allow-list.
func (s *Store) Approve(ctx context.Context, provider, code, approvedBy string) (Request, error) {
	provider = normalizeKey(provider)
	code = strings.ToUpper(strings.TrimSpace(code))
	if provider == "" || code == "" {
		return Request{}, fmt.Errorf("provider and code are required")
	}
	cutoff := db.NowMillis(s.now().Add(-s.ttl))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, fmt.Errorf("begin approve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.q(`SELECT provider, external_id, code, meta, created_at, last_seen_at
FROM pairing_requests WHERE provider = ? AND code = ? AND created_at >= ?`), provider, code, cutoff)
	req, err := scanRequest(row)
	if err != nil {
		return Request{}, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO pairing_allow_from (provider, external_id, approved_by, created_at)
VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`), provider, req.ExternalID, strings.TrimSpace(approvedBy), db.NowMillis(s.now())); err != nil {
		return Request{}, fmt.Errorf("insert allow-from: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM pairing_requests WHERE provider = ? AND external_id = ?`),
		provider, req.ExternalID); err != nil {
		return Request{}, fmt.Errorf("delete pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Request{}, fmt.Errorf("commit approve: %w", err)
	}
	s.logger.Info("pairing approved",
		slog.String("provider", provider),
		slog.String("external_id", req.ExternalID),
		slog.String("approved_by", approvedBy))
	return req, nil
}

// AddAllowFrom approves a sender directly, without a pairing code.
func (s *Store) AddAllowFrom(ctx context.Context, provider, externalID, approvedBy string) error {
	provider, externalID = normalizeKey(provider), normalizeKey(externalID)
	if provider == "" || externalID == "" {
		return fmt.Errorf("provider and external id are required")
	}
	if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO pairing_allow_from (provider, external_id, approved_by, created_at)
VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`), provider, externalID, strings.TrimSpace(approvedBy), db.NowMillis(s.now())); err != nil {
		return fmt.Errorf("insert allow-from: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pairing_requests WHERE provider = ? AND external_id = ?`),
		provider, externalID); err != nil {
		return fmt.Errorf("delete pairing request: %w", err)
	}
	return nil
}

// RemoveAllowFrom revokes an approved sender. It reports whether a row was removed.
func (s *Store) RemoveAllowFrom(ctx context.Context, provider, externalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pairing_allow_from WHERE provider = ? AND external_id = ?`),
		normalizeKey(provider), normalizeKey(externalID))
	if err != nil {
		return false, fmt.Errorf("delete allow-from: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneExpired deletes expired pending requests across all providers.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pairing_requests WHERE created_at < ?`),
		db.NowMillis(s.now().Add(-s.ttl)))
	if err != nil {
		return 0, fmt.Errorf("prune pairing requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GenerateCode returns a random code drawn from CodeAlphabet.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	// len(CodeAlphabet) divides 256, so the modulo is unbiased.
	for i, b := range buf {
		buf[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return string(buf), nil
}

func (s *Store) get(ctx context.Context, provider, externalID string) (Request, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT provider, external_id, code, meta, created_at, last_seen_at
FROM pairing_requests WHERE provider = ? AND external_id = ?`), provider, externalID)
	return scanRequest(row)
}

func (s *Store) touch(ctx context.Context, provider, externalID string, now time.Time) (Request, error) {
	req, err := s.get(ctx, provider, externalID)
	if err != nil {
		return Request{}, err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE pairing_requests SET last_seen_at = ? WHERE provider = ? AND external_id = ?`),
		db.NowMillis(now), provider, externalID); err != nil {
		return Request{}, fmt.Errorf("touch pairing request: %w", err)
	}
	req.LastSeenAt = db.FromMillis(db.NowMillis(now))
	return req, nil
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		req             Request
		meta            string
		created, seenAt int64
	)
	if err := row.Scan(&req.Provider, &req.ExternalID, &req.Code, &meta, &created, &seenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("scan pairing request: %w", err)
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &req.Meta); err != nil {
			return Request{}, fmt.Errorf("decode pairing meta: %w", err)
		}
	}
	req.CreatedAt = db.FromMillis(created)
	req.LastSeenAt = db.FromMillis(seenAt)
	return req, nil
}

func normalizeKey(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}
