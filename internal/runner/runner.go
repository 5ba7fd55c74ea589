// Package runner drives one evaluation cycle per monitored entity: fetch,
// compare, aggregate, dispatch, commit. A cycle is all-or-nothing with respect
// to persisted state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voxmill/marketwatch/internal/aggregator"
	"github.com/voxmill/marketwatch/internal/detector"
	"github.com/voxmill/marketwatch/internal/models"
	"github.com/voxmill/marketwatch/internal/storage"
)

// ErrCycleInFlight is returned when a trigger fires while the previous cycle
// for the same entity is still running. The trigger is dropped, not queued.
var ErrCycleInFlight = errors.New("runner: cycle already in flight")

// Collector supplies the current observation for a monitored market.
// Implemented by the intelligence-service client; fakes stand in for tests.
type Collector interface {
	FetchSnapshot(ctx context.Context, entity models.Entity, exceptionalScore float64) (*models.MarketSnapshot, error)
}

// Dispatcher delivers a digest to the notification transport. An error return
// means the digest must not be recorded as delivered.
type Dispatcher interface {
	Deliver(digest *models.Digest) error
}

// Monitor is one registered (entity, policy) pair.
type Monitor struct {
	Entity     models.Entity
	Thresholds detector.Thresholds
}

// Runner owns the registered monitors and executes their cycles.
type Runner struct {
	store      *storage.Store
	collector  Collector
	dispatcher Dispatcher
	agg        *aggregator.Aggregator
	monitors   []Monitor
	logger     *logrus.Logger
}

// New creates a runner. dispatcher may be nil, in which case digests are logged
// and dropped without being recorded as delivered.
func New(store *storage.Store, collector Collector, dispatcher Dispatcher, agg *aggregator.Aggregator, monitors []Monitor, logger *logrus.Logger) *Runner {
	return &Runner{
		store:      store,
		collector:  collector,
		dispatcher: dispatcher,
		agg:        agg,
		monitors:   monitors,
		logger:     logger,
	}
}

// Monitors returns the registered monitors.
func (r *Runner) Monitors() []Monitor {
	return r.monitors
}

// RunCycle executes one evaluation cycle for a single monitor. On any failure
// the previous snapshot remains authoritative and nothing is recorded as
// delivered; the same anomalies re-surface on the next scheduled trigger.
func (r *Runner) RunCycle(ctx context.Context, m Monitor) error {
	entityID := m.Entity.ID()
	log := r.logger.WithField("entity", entityID)

	if !r.store.TryBegin(entityID) {
		return ErrCycleInFlight
	}
	defer r.store.End(entityID)

	start := time.Now()
	log.Debug("Starting monitoring cycle")

	curr, err := r.collector.FetchSnapshot(ctx, m.Entity, m.Thresholds.ExceptionalDealScore)
	if err != nil {
		return fmt.Errorf("fetch snapshot for %s: %w", entityID, err)
	}
	if err := curr.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot for %s: %w", entityID, err)
	}

	prev, generation, err := r.store.Load(entityID)
	if err != nil {
		return fmt.Errorf("load previous snapshot for %s: %w", entityID, err)
	}

	events := detector.Detect(prev, curr, m.Thresholds)
	if prev == nil {
		log.Info("First observation, seeding state for future comparisons")
	}
	log.WithFields(logrus.Fields{
		"properties": len(curr.Properties),
		"candidates": len(events),
	}).Debug("Detection complete")

	now := time.Now()
	digest, err := r.agg.Aggregate(m.Entity, events, now)
	if err != nil {
		return fmt.Errorf("aggregate events for %s: %w", entityID, err)
	}

	if digest != nil {
		if r.dispatcher == nil {
			log.WithField("events", len(digest.Events)).Info("Dispatcher disabled, dropping digest")
		} else {
			if err := r.dispatcher.Deliver(digest); err != nil {
				return fmt.Errorf("deliver digest for %s: %w", entityID, err)
			}
			if err := r.agg.MarkDelivered(digest, now); err != nil {
				return fmt.Errorf("record delivery for %s: %w", entityID, err)
			}
			log.WithField("events", len(digest.Events)).Info("Digest delivered")
		}
	} else {
		log.Debug("No alerts this cycle, market stable")
	}

	if err := r.store.Commit(entityID, curr, generation); err != nil {
		return fmt.Errorf("commit snapshot for %s: %w", entityID, err)
	}

	log.WithField("duration", time.Since(start)).Info("Monitoring cycle completed")
	return nil
}

// RunAll runs one cycle for every registered monitor. Cycles for different
// entities share no mutable state and run fully in parallel. Skipped triggers
// (cycle still in flight) do not count as failures.
func (r *Runner) RunAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(r.monitors))

	for i, m := range r.monitors {
		wg.Add(1)
		go func(i int, m Monitor) {
			defer wg.Done()
			err := r.RunCycle(ctx, m)
			switch {
			case errors.Is(err, ErrCycleInFlight):
				r.logger.WithField("entity", m.Entity.ID()).Warn("Previous cycle still running, skipping trigger")
			case err != nil:
				r.logger.WithField("entity", m.Entity.ID()).WithError(err).Error("Monitoring cycle failed")
				errs[i] = err
			}
		}(i, m)
	}
	wg.Wait()

	failed := 0
	var first error
	for _, err := range errs {
		if err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cycles failed: %w", failed, len(r.monitors), first)
	}
	return nil
}
