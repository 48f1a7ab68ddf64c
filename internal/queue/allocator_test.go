package queue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

func TestDisplayNumber(t *testing.T) {
	assert.Equal(t, "A001", DisplayNumber("A", 3, 1))
	assert.Equal(t, "A042", DisplayNumber("A", 3, 42))
	assert.Equal(t, "A999", DisplayNumber("A", 3, 999))
	assert.Equal(t, "A1000", DisplayNumber("A", 3, 1000))
	assert.Equal(t, "B07", DisplayNumber("B", 2, 7))
}

func TestIssueTicketConcurrentAllocationsAreContiguous(t *testing.T) {
	h := newHarness(t)
	const n = 100

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		tickets []models.Ticket
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := h.svc.IssueTicket(context.Background(), IssueRequest{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			tickets = append(tickets, ticket)
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, tickets, n)
	sequences := make([]int, 0, n)
	numbers := make(map[string]struct{}, n)
	for _, ticket := range tickets {
		sequences = append(sequences, int(ticket.Sequence))
		numbers[ticket.DisplayNumber] = struct{}{}
	}
	sort.Ints(sequences)
	for i, seq := range sequences {
		require.Equal(t, i+1, seq)
	}
	assert.Len(t, numbers, n)
}

func TestIssueTicketSequencesIncreaseByOne(t *testing.T) {
	h := newHarness(t)

	tickets := h.issue(t, 5)

	for i, ticket := range tickets {
		assert.Equal(t, int64(i+1), ticket.Sequence)
		assert.Equal(t, DisplayNumber("A", 3, int64(i+1)), ticket.DisplayNumber)
		assert.Equal(t, models.StatusWaiting, ticket.Status)
		assert.True(t, ticket.Unassigned())
		assert.Equal(t, today, ticket.ServiceDay)
		assert.Equal(t, base.Add(10*time.Minute), ticket.ExpiresAt)
	}
}

func TestIssueTicketContinuesAfterGap(t *testing.T) {
	h := newHarness(t)
	h.seed(t, seededTicket(1, ""), seededTicket(4, ""))

	ticket, err := h.svc.IssueTicket(context.Background(), IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), ticket.Sequence)
	assert.Equal(t, "A005", ticket.DisplayNumber)
}

func TestIssueTicketServiceDayOverride(t *testing.T) {
	h := newHarness(t)
	h.issue(t, 2)

	backfill, err := h.svc.IssueTicket(context.Background(), IssueRequest{ServiceDay: "2026-03-01"})
	require.NoError(t, err)
	assert.Equal(t, models.ServiceDay("2026-03-01"), backfill.ServiceDay)
	assert.Equal(t, int64(1), backfill.Sequence)

	next, err := h.svc.IssueTicket(context.Background(), IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Sequence)
}

func TestIssueTicketDayFollowsBusinessTimezone(t *testing.T) {
	h := newHarness(t)
	days, err := clock.LoadDays(h.clock, "Asia/Kolkata")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	svc := NewService(h.store, days, Options{})
	h.clock.Set(time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC))

	ticket, err := svc.IssueTicket(context.Background(), IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.ServiceDay("2026-03-11"), ticket.ServiceDay)
}

func TestIssueTicketRequestIDIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first, err := h.svc.IssueTicket(context.Background(), IssueRequest{RequestID: "kiosk-7:991"})
	require.NoError(t, err)
	second, err := h.svc.IssueTicket(context.Background(), IssueRequest{RequestID: "kiosk-7:991"})
	require.NoError(t, err)

	assert.Equal(t, first.TicketID, second.TicketID)
	assert.Equal(t, first.Sequence, second.Sequence)

	other, err := h.svc.IssueTicket(context.Background(), IssueRequest{RequestID: "kiosk-7:992"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), other.Sequence)
}

func TestIssueTicketDirectCounter(t *testing.T) {
	h := newHarness(t)

	ticket, err := h.svc.IssueTicket(context.Background(), IssueRequest{
		CounterCode: "A2",
		Customer:    models.Customer{Name: "Ravi", Phone: "98450"},
	})
	require.NoError(t, err)
	assert.Equal(t, "A2", ticket.Counter())
	assert.Equal(t, "Ravi", ticket.Customer.Name)

	_, err = h.svc.PullNext(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrNoEligibleTickets)

	served, err := h.svc.PullNext(context.Background(), "A2")
	require.NoError(t, err)
	assert.Equal(t, ticket.TicketID, served.TicketID)
}

func TestIssueTicketUnknownCounter(t *testing.T) {
	h := newHarness(t)

	for _, code := range []string{"ZZ", "A3"} {
		_, err := h.svc.IssueTicket(context.Background(), IssueRequest{CounterCode: code})
		assert.ErrorIs(t, err, ErrUnknownCounter, code)
	}
}

func TestIssueTicketAllocationExhausted(t *testing.T) {
	h := newHarness(t)
	faults := &faultStore{
		TicketStore: h.store,
		insert: func(context.Context, store.Tx, models.Ticket) (models.Ticket, error) {
			return models.Ticket{}, store.ErrUniqueViolation
		},
	}
	svc := NewService(faults, clock.NewDays(h.clock, time.UTC), Options{RetryInterval: time.Microsecond})

	_, err := svc.IssueTicket(context.Background(), IssueRequest{})

	require.ErrorIs(t, err, ErrAllocationExhausted)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindAllocationExhausted, kind)
	assert.Equal(t, int32(10), faults.txs.Load())
}

func TestIssueTicketRetriesTransientCollision(t *testing.T) {
	h := newHarness(t)
	failures := 2
	faults := &faultStore{
		TicketStore: h.store,
		insert: func(ctx context.Context, tx store.Tx, ticket models.Ticket) (models.Ticket, error) {
			if failures > 0 {
				failures--
				return models.Ticket{}, store.ErrConflict
			}
			return tx.InsertTicket(ctx, ticket)
		},
	}
	svc := NewService(faults, clock.NewDays(h.clock, time.UTC), Options{RetryInterval: time.Microsecond})

	ticket, err := svc.IssueTicket(context.Background(), IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ticket.Sequence)
	assert.Equal(t, int32(3), faults.txs.Load())
}

func TestIssueTicketRecordsIssuedEvent(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, 1)[0]

	events, err := h.svc.TicketEvents(context.Background(), ticket.TicketID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventIssued, events[0].Type)

	outbox, err := h.svc.OutboxEvents(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, ticket.TicketID, outbox[0].TicketID)
}
