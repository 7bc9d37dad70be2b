package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/groupfinance/txengine/internal/domain"
	"github.com/groupfinance/txengine/internal/infra/observability"
	"github.com/sirupsen/logrus"
)

// ─── Sweeper ────────────────────────────────────────────────────────────────
// The sweep is the terminal guarantee: every period it completes any record
// that has stayed PENDING longer than the staleness threshold, whatever
// happened to its timer.

const (
	stuckReceiptPrefix = "STUCK_"
	noteStuckCleanup   = "STUCK_CLEANUP: Auto-completed by cleanup job after %d seconds"
)

// SweepConfig controls the sweep cadence.
type SweepConfig struct {
	Period         time.Duration // time between passes
	StaleThreshold time.Duration // minimum PENDING age before a record is swept
	Timeout        time.Duration // bound on one pass
}

// DefaultSweepConfig returns the reference settings.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Period:         30 * time.Second,
		StaleThreshold: 30 * time.Second,
		Timeout:        time.Minute,
	}
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	LostRaces int `json:"lost_races"`
	Errors    int `json:"errors"`
}

// Sweeper periodically force-completes stuck transactions.
type Sweeper struct {
	cfg     SweepConfig
	store   domain.TransactionStore
	gateway domain.PaymentGateway
	log     *logrus.Entry
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	passMu  sync.Mutex // one pass at a time
}

// NewSweeper creates an idle sweeper.
func NewSweeper(cfg SweepConfig, store domain.TransactionStore, gw domain.PaymentGateway, log *logrus.Entry) *Sweeper {
	def := DefaultSweepConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sweeper{cfg: cfg, store: store, gateway: gw, log: log, now: time.Now}
}

// Start launches the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Period)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				passCtx, cancel := context.WithTimeout(runCtx, s.cfg.Timeout)
				if _, err := s.RunOnce(passCtx); err != nil {
					s.log.WithError(err).Warn("sweep pass failed")
				}
				cancel()
			}
		}
	}()

	s.log.WithFields(logrus.Fields{
		"period":    s.cfg.Period,
		"threshold": s.cfg.StaleThreshold,
	}).Info("stuck-transaction sweeper started")
	return nil
}

// Stop cancels the sweep and waits for an in-flight pass or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single pass. Per-record failures are logged and counted;
// only a failure to list candidates is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()
	observability.SweepRuns.Inc()

	now := s.now()
	stale, err := s.store.ListPendingCreatedBefore(ctx, now.Add(-s.cfg.StaleThreshold))
	if err != nil {
		return SweepReport{}, fmt.Errorf("list stuck transactions: %w", err)
	}

	var rep SweepReport
	rep.Scanned = len(stale)
	for _, tx := range stale {
		if ctx.Err() != nil {
			rep.Errors += len(stale) - rep.Completed - rep.LostRaces - rep.Errors
			break
		}
		age := tx.Age(now)
		log := s.log.WithFields(logrus.Fields{"txn_id": tx.ID, "path": observability.PathSweep, "age": age.Truncate(time.Second)})

		applied, err := s.store.Finalize(ctx, tx.ID, domain.Finalization{
			Status:       domain.StatusCompleted,
			ReceiptToken: stuckReceiptPrefix + s.gateway.NewReceipt(),
			Note:         fmt.Sprintf(noteStuckCleanup, int64(age/time.Second)),
			At:           s.now(),
		})
		switch {
		case err != nil:
			rep.Errors++
			observability.FinalizeErrors.WithLabelValues(observability.PathSweep).Inc()
			log.WithError(err).Warn("stuck transaction not completed")
		case !applied:
			rep.LostRaces++
			observability.LostRaces.WithLabelValues(observability.PathSweep).Inc()
		default:
			rep.Completed++
			observability.SweepCompleted.Inc()
			observability.Transitions.WithLabelValues(observability.PathSweep, string(domain.StatusCompleted)).Inc()
			log.Info("stuck transaction force-completed")
		}
	}

	if rep.Scanned > 0 {
		s.log.WithFields(logrus.Fields{
			"scanned":    rep.Scanned,
			"completed":  rep.Completed,
			"lost_races": rep.LostRaces,
			"errors":     rep.Errors,
		}).Info("sweep pass finished")
	}
	return rep, nil
}
