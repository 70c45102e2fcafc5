package queue

import (
	"context"
	"time"

	"github.com/bassista/go_offline/internal/logger"
)

// StartReplayScheduler replays every domain on each tick until ctx is done.
// The returned channel is closed once the scheduler has stopped.
func StartReplayScheduler(ctx context.Context, q *Queue, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	log := logger.WithComponent("replay")
	if interval <= 0 {
		log.Debugf("replay scheduler disabled")
		close(done)
		return done
	}
	log.Debugf("starting replay scheduler with interval: %v", interval)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("replay scheduler stopped")
				return
			case <-ticker.C:
				log.Tracef("replay scheduler tick")
				reports, err := q.ReplayAll(ctx)
				if err != nil {
					log.Errorf("replay error: %v", err)
				}
				for _, r := range reports {
					if r.Attempted > 0 {
						log.Infof("replayed %s: %d ok, %d failed, %d remaining", r.Domain, r.Succeeded, r.Failed, r.Remaining)
					}
				}
			}
		}
	}()
	return done
}
