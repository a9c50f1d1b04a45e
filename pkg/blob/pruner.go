package blob

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PruneLoop calls Prune every interval until ctx is done. It returns nil on
// cancellation so it can run under an errgroup. A non-positive interval
// disables pruning and returns immediately.
func (s *LocalStore) PruneLoop(ctx context.Context, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 || s.maxAge <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Prune(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("blob prune failed", zap.String("root", s.root), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("blobs pruned", zap.String("root", s.root), zap.Int("removed", n))
			}
		}
	}
}
