package main

import (
	"context"
	"log"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/models"
	"github.com/afontaine/volarb/internal/storage"
)

const cancelTimeout = 8 * time.Second

// Reconciler resolves spread intents that a previous run journaled but
// never finished. A spread stuck in a non-terminal state means the process
// died between placing the two legs; the safe resolution is to cancel
// whatever buy order may be resting and flag anything that cannot be
// cleaned up.
type Reconciler struct {
	broker  broker.Broker
	storage storage.Interface
	logger  *log.Logger
}

// NewReconciler creates a startup spread reconciler.
func NewReconciler(b broker.Broker, store storage.Interface, logger *log.Logger) *Reconciler {
	return &Reconciler{
		broker:  b,
		storage: store,
		logger:  logger,
	}
}

// ResolveUnfinishedSpreads walks the journal for non-terminal spreads and
// drives each to a terminal state. Failures are logged, never fatal; a
// spread that cannot be resolved is marked naked for manual review.
func (r *Reconciler) ResolveUnfinishedSpreads(ctx context.Context) {
	unresolved := r.storage.UnresolvedSpreads()
	if len(unresolved) == 0 {
		return
	}

	r.logger.Printf("Found %d unresolved spread(s) from a previous run", len(unresolved))
	for _, order := range unresolved {
		r.resolve(ctx, order)
	}
}

func (r *Reconciler) resolve(ctx context.Context, order models.SpreadOrder) {
	r.logger.Printf("Reconciling spread %s in state %s", shortID(order.ID), order.State)

	switch order.State {
	case models.SpreadStatePending:
		// Journaled before any order went out. Nothing rests on the
		// exchange under this spread's ID.
		r.finish(&order, models.SpreadStateCompensated)

	case models.SpreadStateBuyFilled, models.SpreadStateCompensating:
		if order.State == models.SpreadStateBuyFilled {
			r.finish(&order, models.SpreadStateCompensating)
		}
		if order.BuyLeg.OrderID == "" {
			r.finish(&order, models.SpreadStateCompensated)
			return
		}

		cancelCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
		defer cancel()
		if err := r.broker.CancelOrder(cancelCtx, order.BuyLeg.OrderID); err != nil {
			r.logger.Printf("ERROR: cannot cancel buy order %s of spread %s, position may be naked: %v",
				order.BuyLeg.OrderID, shortID(order.ID), err)
			r.finish(&order, models.SpreadStateNaked)
			return
		}
		r.logger.Printf("Canceled stale buy order %s of spread %s", order.BuyLeg.OrderID, shortID(order.ID))
		r.finish(&order, models.SpreadStateCompensated)

	default:
		r.logger.Printf("Warning: spread %s in unexpected state %s, leaving as is", shortID(order.ID), order.State)
	}
}

func (r *Reconciler) finish(order *models.SpreadOrder, to models.SpreadState) {
	if err := order.Transition(to); err != nil {
		r.logger.Printf("ERROR: %v", err)
		return
	}
	if err := r.storage.UpdateSpread(*order); err != nil {
		r.logger.Printf("ERROR: journaling spread %s state %s: %v", shortID(order.ID), to, err)
	}
}
