package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

const ticketColumns = `ticket_id, service_day, sequence, display_number, status, counter_code,
	created_at, served_at, completed_at, expires_at, request_id, customer`

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAndReadMaxSequence(ctx context.Context, day models.ServiceDay) (int64, error) {
	date, err := dayParam(day)
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "ticket_day:"+day.String()); err != nil {
		return 0, mapError(err)
	}
	var highest int64
	row := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM tickets
		WHERE service_day = $1
	`, date)
	if err := row.Scan(&highest); err != nil {
		return 0, mapError(err)
	}
	return highest, nil
}

func (t *pgTx) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	date, err := dayParam(ticket.ServiceDay)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	customer, err := json.Marshal(ticket.Customer)
	if err != nil {
		return models.Ticket{}, err
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, service_day, sequence, display_number, status, counter_code,
			created_at, expires_at, request_id, customer
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+ticketColumns,
		ticket.TicketID, date, ticket.Sequence, ticket.DisplayNumber, ticket.Status, ticket.CounterCode,
		ticket.CreatedAt, ticket.ExpiresAt, nullIfEmpty(ticket.RequestID), customer)
	return scanTicket(row)
}

func (t *pgTx) SelectForDispatch(ctx context.Context, day models.ServiceDay, counterCode string, limit int) ([]models.Ticket, error) {
	date, err := dayParam(day)
	if err != nil {
		return nil, err
	}
	return t.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE service_day = $1 AND status = 'waiting' AND (counter_code IS NULL OR counter_code = $2)
		ORDER BY (counter_code IS NULL) DESC, sequence ASC, created_at ASC, ticket_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, date, counterCode, limit)
}

func (t *pgTx) CompareAndTransition(ctx context.Context, ticketID, expected, next string, fields store.TransitionFields) (models.Ticket, bool, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $3,
			counter_code = COALESCE($4, counter_code),
			served_at = COALESCE($5, served_at),
			completed_at = COALESCE($6, completed_at)
		WHERE ticket_id = $1 AND status = $2
		RETURNING `+ticketColumns,
		ticketID, expected, next, fields.CounterCode, fields.ServedAt, fields.CompletedAt)
	ticket, err := scanTicket(row)
	if err == nil {
		return ticket, true, nil
	}
	if !errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, false, err
	}
	current, err := t.GetTicket(ctx, models.RefByID(ticketID), false)
	if err != nil {
		return models.Ticket{}, false, err
	}
	return current, false, nil
}

func (t *pgTx) GetTicket(ctx context.Context, ref models.TicketRef, forUpdate bool) (models.Ticket, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	if ref.ByID() {
		return scanTicket(t.tx.QueryRow(ctx, `
			SELECT `+ticketColumns+`
			FROM tickets
			WHERE ticket_id = $1`+lock, ref.TicketID))
	}
	date, err := dayParam(ref.ServiceDay)
	if err != nil {
		return models.Ticket{}, err
	}
	return scanTicket(t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE service_day = $1 AND display_number = $2`+lock, date, ref.DisplayNumber))
}

func (t *pgTx) FindByRequestID(ctx context.Context, requestID string) (models.Ticket, bool, error) {
	if requestID == "" {
		return models.Ticket{}, false, nil
	}
	ticket, err := scanTicket(t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE request_id = $1
	`, requestID))
	if errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (t *pgTx) CountAhead(ctx context.Context, query store.AheadQuery) (int, error) {
	date, err := dayParam(query.ServiceDay)
	if err != nil {
		return 0, err
	}
	var count int
	row := t.tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE service_day = $1 AND status = 'waiting' AND sequence < $2 AND expires_at > $3
			AND ($4::text = '' OR counter_code IS NULL OR counter_code = $4::text)
	`, date, query.Sequence, query.Now, query.CounterCode)
	if err := row.Scan(&count); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

func (t *pgTx) SelectExpired(ctx context.Context, now time.Time, limit int) ([]models.Ticket, error) {
	return t.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'waiting' AND expires_at <= $1
		ORDER BY expires_at ASC, sequence ASC, ticket_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now, limit)
}

func (t *pgTx) ListWaiting(ctx context.Context, query store.WaitingQuery) ([]models.Ticket, int, error) {
	date, err := dayParam(query.ServiceDay)
	if err != nil {
		return nil, 0, err
	}
	const filter = `
		FROM tickets
		WHERE service_day = $1 AND status = 'waiting' AND expires_at > $2
			AND ($3::text = '' OR counter_code IS NULL OR counter_code = $3::text)`

	var total int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) `+filter, date, query.Now, query.CounterCode).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = total
	}
	tickets, err := t.queryTickets(ctx, `SELECT `+ticketColumns+filter+`
		ORDER BY (counter_code IS NULL) DESC, sequence ASC, created_at ASC, ticket_id ASC
		LIMIT $4`, date, query.Now, query.CounterCode, limit)
	if err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}

func (t *pgTx) LastServed(ctx context.Context, day models.ServiceDay, counterCode string) (models.Ticket, bool, error) {
	date, err := dayParam(day)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket, err := scanTicket(t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE service_day = $1 AND served_at IS NOT NULL AND ($2::text = '' OR counter_code = $2::text)
		ORDER BY served_at DESC, sequence DESC
		LIMIT 1
	`, date, counterCode))
	if errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (t *pgTx) RecordEvent(ctx context.Context, eventType string, ticket models.Ticket) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, ticket_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), ticket.TicketID, eventType, payload, createdAt); err != nil {
		return mapError(err)
	}
	return insertTicketEvent(ctx, t.tx, ticket.TicketID, eventType, payload, createdAt)
}

func (t *pgTx) queryTickets(ctx context.Context, query string, args ...interface{}) ([]models.Ticket, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return tickets, nil
}

// insertTicketEvent appends to the ticket's hash chain. The advisory lock
// serializes writers of one chain.
func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return mapError(err)
	}

	var prev *store.TicketEvent
	var last store.TicketEvent
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticketID)
	switch err := row.Scan(&last.TicketSeq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return mapError(err)
	}

	event := store.ChainEvent(prev, store.TicketEvent{
		TicketID:  ticketID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4::json, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return mapError(err)
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var (
		ticket      models.Ticket
		day         time.Time
		counterCode sql.NullString
		servedAt    sql.NullTime
		completedAt sql.NullTime
		requestID   sql.NullString
		customer    []byte
	)
	err := row.Scan(&ticket.TicketID, &day, &ticket.Sequence, &ticket.DisplayNumber, &ticket.Status, &counterCode,
		&ticket.CreatedAt, &servedAt, &completedAt, &ticket.ExpiresAt, &requestID, &customer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, mapError(err)
	}
	ticket.ServiceDay = models.DayOf(day, time.UTC)
	ticket.CounterCode = nullStringPtr(counterCode)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	if requestID.Valid {
		ticket.RequestID = requestID.String
	}
	if len(customer) > 0 {
		if err := json.Unmarshal(customer, &ticket.Customer); err != nil {
			return models.Ticket{}, fmt.Errorf("decode customer of ticket %s: %w", ticket.TicketID, err)
		}
	}
	return ticket, nil
}

func dayParam(day models.ServiceDay) (time.Time, error) {
	if day.IsZero() {
		return time.Time{}, fmt.Errorf("service day is required")
	}
	return day.Start(time.UTC)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
