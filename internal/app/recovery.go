/**
 * @description
 * Recovery sweep for transfers interrupted mid-flight. A crashed orchestrator
 * leaves a non-terminal journal record whose status states exactly how far
 * the money moved (the money steps advance balance and journal atomically),
 * so resuming is just driving the record forward from where it stopped.
 */

package app

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultRecoveryBatchSize = 100
	defaultRecoveryWorkers   = 4
)

// RecoverInFlight resumes non-terminal transfers older than minAge and
// returns how many reached a terminal state. Contended or still-failing
// records are left for the next sweep rather than aborting the batch.
func (s *Service) RecoverInFlight(ctx context.Context, minAge time.Duration, batchSize, workers int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultRecoveryBatchSize
	}
	if workers <= 0 {
		workers = defaultRecoveryWorkers
	}

	cutoff := time.Now().UTC().Add(-minAge)
	records, err := s.repo.FindResumableTransfers(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	log.Printf("level=info component=recovery msg=\"resuming in-flight transfers\" count=%d cutoff=%s", len(records), cutoff.Format(time.RFC3339))

	var recovered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range records {
		record := records[i]
		g.Go(func() error {
			final, err := s.drive(gctx, &record)
			if err != nil {
				if errors.Is(err, ErrTransferContended) {
					log.Printf("level=warn component=recovery msg=\"transfer still contended; deferring\" idempotency_key=%s", record.IdempotencyKey)
					return nil
				}
				log.Printf("level=error component=recovery msg=\"resume failed\" idempotency_key=%s err=%v", record.IdempotencyKey, err)
				return nil
			}
			if final.Status.Terminal() {
				recovered.Add(1)
				transfersRecovered.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(recovered.Load()), nil
}

// StartRecoveryLoop runs an immediate sweep and then repeats on the given
// interval until ctx is canceled. Intended to be launched as a goroutine
// from main.
func (s *Service) StartRecoveryLoop(ctx context.Context, interval, minAge time.Duration, batchSize, workers int) {
	sweep := func() {
		recovered, err := s.RecoverInFlight(ctx, minAge, batchSize, workers)
		if err != nil {
			log.Printf("level=error component=recovery msg=\"sweep failed\" err=%v", err)
			return
		}
		if recovered > 0 {
			log.Printf("level=info component=recovery msg=\"sweep complete\" recovered=%d", recovered)
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
