package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Options struct {
	// LockTimeout bounds every lock wait inside a transaction. Waits that
	// exceed it surface as store.ErrConflict.
	LockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{
		pool:        pool,
		lockTimeout: options.LockTimeout,
	}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err = tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return mapError(err)
		}
	}
	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetCounter(ctx context.Context, code string) (models.Counter, error) {
	var counter models.Counter
	row := s.pool.QueryRow(ctx, `
		SELECT code, name, is_active
		FROM counters
		WHERE code = $1
	`, code)
	if err := row.Scan(&counter.Code, &counter.Name, &counter.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, mapError(err)
	}
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context, activeOnly bool) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT code, name, is_active
		FROM counters
		WHERE is_active OR NOT $1
		ORDER BY code ASC
	`, activeOnly)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	counters := make([]models.Counter, 0)
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.Code, &counter.Name, &counter.IsActive); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return counters, nil
}

// UpsertCounter is used by setup tooling and tests; the queue itself never
// writes counters.
func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counters (code, name, is_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, is_active = EXCLUDED.is_active
	`, counter.Code, counter.Name, counter.IsActive)
	return mapError(err)
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID).Scan(&exists); err != nil {
		return nil, mapError(err)
	}
	if !exists {
		return nil, store.ErrTicketNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload::text, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	events := make([]store.TicketEvent, 0)
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return events, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOutbox(ctx, `
		SELECT seq, event_id, ticket_id, type, payload_json, created_at, published_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
}

func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOutbox(ctx, `
		SELECT seq, event_id, ticket_id, type, payload_json, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
	`, limit)
}

func (s *Store) MarkEventsPublished(ctx context.Context, eventIDs []string, publishedAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = $2
		WHERE event_id = ANY($1) AND published_at IS NULL
	`, eventIDs, publishedAt)
	return mapError(err)
}

func (s *Store) queryOutbox(ctx context.Context, query string, args ...interface{}) ([]store.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	events := make([]store.OutboxEvent, 0)
	for rows.Next() {
		var event store.OutboxEvent
		var publishedAt *time.Time
		if err := rows.Scan(&event.Seq, &event.EventID, &event.TicketID, &event.Type, &event.Payload, &event.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		event.PublishedAt = publishedAt
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return events, nil
}
