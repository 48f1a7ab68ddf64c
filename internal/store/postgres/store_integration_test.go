package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/queue"
	"qms/ticket-service/internal/store"
)

func TestIssueTicketConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	svc := queue.NewService(st, clock.NewDays(nil, time.UTC), queue.Options{})

	const n = 40
	var wg sync.WaitGroup
	results := make(chan issueResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := svc.IssueTicket(ctx, queue.IssueRequest{})
			results <- issueResult{sequence: ticket.Sequence, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var sequences []int
	for result := range results {
		if result.err != nil {
			t.Fatalf("issue ticket error: %v", result.err)
		}
		sequences = append(sequences, int(result.sequence))
	}
	sort.Ints(sequences)
	for i, seq := range sequences {
		if seq != i+1 {
			t.Fatalf("expected contiguous sequences, got %v", sequences)
		}
	}
}

func TestPullNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedCounters(t, ctx, st, "A1", "A2")
	svc := queue.NewService(st, clock.NewDays(nil, time.UTC), queue.Options{})

	for i := 0; i < 2; i++ {
		if _, err := svc.IssueTicket(ctx, queue.IssueRequest{}); err != nil {
			t.Fatalf("issue ticket: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for _, counter := range []string{"A1", "A2"} {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			ticket, err := svc.PullNext(ctx, code)
			results <- callResult{ticketID: ticket.TicketID, counter: ticket.Counter(), err: err}
		}(counter)
	}
	wg.Wait()
	close(results)

	seen := map[string]string{}
	for result := range results {
		if result.err != nil {
			t.Fatalf("pull next error: %v", result.err)
		}
		if _, dup := seen[result.ticketID]; dup {
			t.Fatalf("ticket %s served twice", result.ticketID)
		}
		seen[result.ticketID] = result.counter
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 served tickets, got %d", len(seen))
	}

	if _, err := svc.PullNext(ctx, "A1"); !errors.Is(err, queue.ErrNoEligibleTickets) {
		t.Fatalf("expected no eligible tickets, got %v", err)
	}
}

func TestLifecycleAndEventChain(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedCounters(t, ctx, st, "A1")
	svc := queue.NewService(st, clock.NewDays(nil, time.UTC), queue.Options{})

	requestID := uuid.NewString()
	first, err := svc.IssueTicket(ctx, queue.IssueRequest{RequestID: requestID, Customer: models.Customer{Name: "Asha"}})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	second, err := svc.IssueTicket(ctx, queue.IssueRequest{RequestID: requestID})
	if err != nil {
		t.Fatalf("reissue ticket: %v", err)
	}
	if first.TicketID != second.TicketID {
		t.Fatalf("expected same ticket ID for duplicate request")
	}
	if second.Customer.Name != "Asha" {
		t.Fatalf("expected customer to round trip, got %+v", second.Customer)
	}

	if _, err := svc.PullNext(ctx, "A1"); err != nil {
		t.Fatalf("pull next: %v", err)
	}
	for i := 0; i < 2; i++ {
		done, err := svc.Complete(ctx, models.RefByNumber(first.ServiceDay, first.DisplayNumber))
		if err != nil {
			t.Fatalf("complete #%d: %v", i+1, err)
		}
		if done.Status != models.StatusDone {
			t.Fatalf("expected done, got %s", done.Status)
		}
	}

	events, err := svc.TicketEvents(ctx, first.TicketID)
	if err != nil {
		t.Fatalf("ticket events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE type = 'ticket.issued'
	`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ticket.issued event, got %d", count)
	}

	unpublished, err := st.ListUnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list unpublished: %v", err)
	}
	ids := make([]string, 0, len(unpublished))
	for _, event := range unpublished {
		ids = append(ids, event.EventID)
	}
	if err := st.MarkEventsPublished(ctx, ids, time.Now().UTC()); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	unpublished, err = st.ListUnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list unpublished: %v", err)
	}
	if len(unpublished) != 0 {
		t.Fatalf("expected all events published, got %d", len(unpublished))
	}
}

func TestListOutboxEventsPagesWithinTransaction(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	svc := queue.NewService(st, clock.NewDays(nil, time.UTC), queue.Options{})

	ticket, err := svc.IssueTicket(ctx, queue.IssueRequest{})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	err = st.InTx(ctx, func(tx store.Tx) error {
		for _, eventType := range []string{store.EventServing, store.EventDone} {
			if err := tx.RecordEvent(ctx, eventType, ticket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("record events: %v", err)
	}

	var (
		cursor int64
		seen   []string
	)
	for i := 0; i < 5; i++ {
		page, err := st.ListOutboxEvents(ctx, cursor, 1)
		if err != nil {
			t.Fatalf("list outbox: %v", err)
		}
		if len(page) == 0 {
			break
		}
		if page[0].Seq <= cursor {
			t.Fatalf("seq %d did not advance past %d", page[0].Seq, cursor)
		}
		cursor = page[0].Seq
		seen = append(seen, page[0].Type)
	}
	want := []string{store.EventIssued, store.EventServing, store.EventDone}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedCounters(t, ctx, st, "A1")
	fake := clock.NewFake(time.Now().UTC())
	svc := queue.NewService(st, clock.NewDays(fake, time.UTC), queue.Options{TicketTTL: time.Minute})

	stale, err := svc.IssueTicket(ctx, queue.IssueRequest{})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	fake.Advance(2 * time.Minute)

	status, err := svc.QueryStatus(ctx, models.RefByID(stale.TicketID), "")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status.Ticket.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", status.Ticket.Status)
	}
	if _, err := svc.PullNext(ctx, "A1"); !errors.Is(err, queue.ErrNoEligibleTickets) {
		t.Fatalf("expected no eligible tickets, got %v", err)
	}
}

type issueResult struct {
	sequence int64
	err      error
}

type callResult struct {
	ticketID string
	counter  string
	err      error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{LockTimeout: 2 * time.Second})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedCounters(t *testing.T, ctx context.Context, st *Store, codes ...string) {
	t.Helper()
	for _, code := range codes {
		if err := st.UpsertCounter(ctx, models.Counter{Code: code, Name: "Counter " + code, IsActive: true}); err != nil {
			t.Fatalf("insert counter %s: %v", code, err)
		}
	}
}
