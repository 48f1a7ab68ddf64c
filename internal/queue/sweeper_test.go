package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
)

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.store, clock.NewDays(h.clock, time.UTC), Options{SweepBatchSize: 2})
	old := h.issue(t, 5)
	h.clock.Advance(10 * time.Minute)
	fresh := h.issue(t, 1)[0]

	swept, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, swept)

	swept, err = svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)

	for _, ticket := range old {
		status, err := svc.QueryStatus(context.Background(), models.RefByID(ticket.TicketID), "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, status.Ticket.Status)
	}
	status, err := svc.QueryStatus(context.Background(), models.RefByID(fresh.TicketID), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, status.Ticket.Status)
}

func TestSweepExpiredLeavesServingTickets(t *testing.T) {
	h := newHarness(t)
	h.issue(t, 1)
	served, err := h.svc.PullNext(context.Background(), "A1")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	swept, err := h.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)

	ticket, err := h.svc.Complete(context.Background(), models.RefByID(served.TicketID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, ticket.Status)
}
