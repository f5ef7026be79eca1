package retention

import (
	"context"
	"sync"
	"time"

	"github.com/droppoint/droppoint/internal/transfer"
	"github.com/droppoint/droppoint/internal/upload"
	"github.com/rs/zerolog/log"
)

// Sweeper deletes expired transfers along with their upload sessions and
// blobs. It is an explicit lifecycle object: the composition root constructs
// it, starts it once, and stops it on shutdown. One pass runs immediately on
// start, then on every interval tick.
type Sweeper struct {
	transfers *transfer.Service
	uploads   *upload.Manager
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper creates a sweeper with the given pass interval
func NewSweeper(transfers *transfer.Service, uploads *upload.Manager, interval time.Duration) *Sweeper {
	return &Sweeper{
		transfers: transfers,
		uploads:   uploads,
		interval:  interval,
	}
}

// Start launches the sweep loop. Calling Start more than once is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.once.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.done = make(chan struct{})

		go s.run(ctx)

		log.Info().Dur("interval", s.interval).Msg("retention sweeper started")
	})
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	log.Info().Msg("retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep removes every expired transfer: first each session's blob and offset
// record, then the transfer's rows.
func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.transfers.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("retention sweep failed to list expired transfers")
		return
	}

	for _, t := range expired {
		if ctx.Err() != nil {
			return
		}

		failed := false
		for _, f := range t.Files {
			if err := s.uploads.Purge(ctx, f.ID); err != nil {
				log.Error().Err(err).
					Str("transfer_id", t.ID.String()).
					Str("session_id", f.ID).
					Msg("retention sweep failed to purge upload session")
				failed = true
			}
		}
		if failed {
			// Keep the rows so the next pass retries the leftover blobs.
			continue
		}

		if err := s.transfers.Delete(ctx, t.ID); err != nil {
			log.Error().Err(err).Str("transfer_id", t.ID.String()).Msg("retention sweep failed to delete transfer")
			continue
		}

		log.Info().
			Str("transfer_id", t.ID.String()).
			Int("files", len(t.Files)).
			Time("expired_at", t.ExpiresAt).
			Msg("expired transfer removed")
	}
}
