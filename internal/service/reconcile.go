package service

import (
	"context"

	"github.com/septivank/cis-meter-worker/internal/mq"
	"go.uber.org/zap"
)

// Reconcile republishes events whose publish failed earlier
func (s *Sweeper) Reconcile(ctx context.Context) mq.RetryStats {
	if s.retry == nil || s.publisher == nil || s.retry.Len() == 0 {
		return mq.RetryStats{}
	}

	stats := s.retry.Drain(ctx, func(ctx context.Context, routingKey string, payload any) error {
		if err := s.publisher.Publish(ctx, routingKey, payload); err != nil {
			s.metrics.IncPublish(routingKey, "failed")
			return err
		}
		s.metrics.IncPublish(routingKey, "republished")
		return nil
	})
	s.metrics.SetRetryBuffer(s.retry.Len())

	s.logger.Info("unpublished events reconciled",
		zap.Int("republished", stats.Republished),
		zap.Int("requeued", stats.Requeued),
		zap.Int("dropped", stats.Dropped),
	)
	return stats
}

// Pending returns the number of events waiting for republish
func (s *Sweeper) Pending() int {
	if s.retry == nil {
		return 0
	}
	return s.retry.Len()
}
