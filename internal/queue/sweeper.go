package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"qms/ticket-service/internal/store"
)

// SweepExpired expires stale waiting tickets in batches until none are left.
// It is best effort; every read path applies the same rule lazily.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		swept, selected, err := s.sweepBatch(ctx)
		total += swept
		if err != nil {
			return total, fmt.Errorf("sweep expired tickets: %w", err)
		}
		if selected < s.opts.SweepBatchSize || swept == 0 {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired tickets swept", zap.Int("count", total))
	}
	return total, nil
}

func (s *Service) sweepBatch(ctx context.Context) (swept, selected int, err error) {
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		swept, selected = 0, 0
		now := s.days.Now()
		stale, err := tx.SelectExpired(ctx, now, s.opts.SweepBatchSize)
		if err != nil {
			return err
		}
		selected = len(stale)
		for _, ticket := range stale {
			_, ok, err := s.expire(ctx, tx, ticket)
			if err != nil {
				return err
			}
			if ok {
				swept++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return swept, selected, nil
}
