package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/lock"
)

const sweepLockKey = "clinic:sweep"

// Sweeper periodically expires reschedule offers and, optionally, closes
// stale bookings. Only the replica holding the sweep lease does the work.
type Sweeper struct {
	svc           *Service
	locker        lock.Locker
	interval      time.Duration
	staleBookings bool
	logger        zerolog.Logger
}

func NewSweeper(svc *Service, locker lock.Locker, interval time.Duration, staleBookings bool, logger zerolog.Logger) *Sweeper {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Sweeper{
		svc:           svc,
		locker:        locker,
		interval:      interval,
		staleBookings: staleBookings,
		logger:        logger.With().Str("component", "sweeper").Logger(),
	}
}

// SweepResult counts what one pass changed.
type SweepResult struct {
	Skipped       bool
	OffersExpired int
	BookingsAged  int
}

// RunOnce performs a single pass. Skipped is set when another replica holds
// the lease.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	lease, err := w.locker.TryAcquire(ctx, sweepLockKey, w.interval)
	if errors.Is(err, lock.ErrNotAcquired) {
		return SweepResult{Skipped: true}, nil
	}
	if err != nil {
		return SweepResult{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn().Err(err).Msg("release sweep lease")
		}
	}()

	var res SweepResult
	if res.OffersExpired, err = w.svc.SweepExpiredOffers(ctx); err != nil {
		return res, err
	}
	if w.staleBookings {
		if res.BookingsAged, err = w.svc.SweepStaleBookings(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Start runs passes every interval until ctx is cancelled.
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Bool("stale_bookings", w.staleBookings).Msg("sweeper started")
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Sweeper) tick(ctx context.Context) {
	res, err := w.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	if res.OffersExpired > 0 || res.BookingsAged > 0 {
		w.logger.Info().
			Int("offers_expired", res.OffersExpired).
			Int("bookings_aged", res.BookingsAged).
			Msg("sweep completed")
	}
}
