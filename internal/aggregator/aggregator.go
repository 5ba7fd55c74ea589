// Package aggregator collapses candidate alert events into at most one digest
// per monitored entity per cycle and suppresses identities already delivered
// within the cooldown window.
package aggregator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/voxmill/marketwatch/internal/models"
)

// Ledger is the cooldown bookkeeping the aggregator needs from the store.
type Ledger interface {
	WasRecentlyDelivered(entityID, identity string, now time.Time) (bool, error)
	RecordDelivered(entityID string, identities []string, now time.Time) error
}

// Aggregator deduplicates candidate events against the cooldown ledger.
type Aggregator struct {
	ledger Ledger
	logger *logrus.Logger
}

// New creates an aggregator backed by the given cooldown ledger.
func New(ledger Ledger, logger *logrus.Logger) *Aggregator {
	return &Aggregator{ledger: ledger, logger: logger}
}

// Aggregate filters out events delivered within the cooldown window and groups
// the survivors into a single digest. It returns nil when nothing remains: a
// silent, stable market produces no notification.
func (a *Aggregator) Aggregate(entity models.Entity, events []models.AlertEvent, now time.Time) (*models.Digest, error) {
	if len(events) == 0 {
		return nil, nil
	}
	entityID := entity.ID()

	var kept []models.AlertEvent
	for _, ev := range events {
		recent, err := a.ledger.WasRecentlyDelivered(entityID, ev.Identity(), now)
		if err != nil {
			return nil, fmt.Errorf("cooldown lookup for %s: %w", ev.Identity(), err)
		}
		if recent {
			a.logger.WithFields(logrus.Fields{
				"entity": entityID,
				"kind":   ev.Kind.String(),
				"ref":    ev.RefID(),
			}).Debug("Suppressed alert within cooldown window")
			continue
		}
		kept = append(kept, ev)
	}

	if len(kept) == 0 {
		return nil, nil
	}

	return &models.Digest{
		ID:          uuid.New().String(),
		EntityID:    entityID,
		Entity:      entity,
		Events:      kept,
		GeneratedAt: now,
	}, nil
}

// MarkDelivered records every identity in the digest as delivered at now.
// Callers invoke this only after the dispatcher reported success; a failed
// dispatch records nothing, leaving the events eligible for the next cycle.
func (a *Aggregator) MarkDelivered(digest *models.Digest, now time.Time) error {
	identities := make([]string, 0, len(digest.Events))
	for _, ev := range digest.Events {
		identities = append(identities, ev.Identity())
	}
	if err := a.ledger.RecordDelivered(digest.EntityID, identities, now); err != nil {
		return fmt.Errorf("record delivered digest %s: %w", digest.ID, err)
	}
	return nil
}
