package service

import (
	"context"
	"time"
)

// RunCompactionJob checks the logs every interval and compacts once any of
// them has at least minGarbage of its bytes unreachable. It returns when ctx
// is done. Failed runs are logged and retried on the next tick.
func (s *Ledger) RunCompactionJob(ctx context.Context, interval time.Duration, minGarbage float64) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.compactIfNeeded(ctx, minGarbage)
		}
	}
}

func (s *Ledger) compactIfNeeded(ctx context.Context, minGarbage float64) {
	logger := s.logger.WithField("action", "compaction_job")

	stats, err := s.Stats(ctx)
	if err != nil {
		logger.WithError(err).Warn("could not measure logs")
		return
	}
	worst := 0.0
	for _, st := range stats {
		if st.Garbage > worst {
			worst = st.Garbage
		}
	}
	if worst < minGarbage || worst == 0 {
		return
	}

	logger.WithField("garbage_ratio", worst).Info("compacting logs")
	if err := s.Compact(ctx); err != nil {
		logger.WithError(err).Error("compaction failed")
		return
	}
	if _, err := s.Stats(ctx); err != nil {
		logger.WithError(err).Warn("could not measure logs")
	}
}
