// Package lifecycle reviews open option positions against the exit rules
// and issues closing orders.
package lifecycle

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/models"
	"github.com/afontaine/volarb/internal/retry"
	"github.com/afontaine/volarb/internal/storage"
)

// Manager evaluates exit rules for open positions and closes the ones that
// trigger. Closing orders are market orders for the full position size,
// placed through the retry client so a transient exchange wobble does not
// leave a triggered position open.
type Manager struct {
	broker  broker.Broker
	orders  *retry.Client
	storage storage.Interface
	cfg     config.ExitConfig
	logger  *log.Logger
	now     func() time.Time
}

// NewManager creates a lifecycle manager. The configuration must already be
// validated.
func NewManager(b broker.Broker, orders *retry.Client, store storage.Interface, cfg config.ExitConfig, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "lifecycle: ", log.LstdFlags)
	}
	return &Manager{
		broker:  b,
		orders:  orders,
		storage: store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// exitRule is one entry in the fixed-precedence exit evaluation. Rules are
// checked in order and the last matching rule wins, so expiry proximity,
// listed last, overrides any P&L-based decision.
type exitRule struct {
	reason  models.ExitReason
	applies func(pnlPct float64, daysToExpiry int, expiryKnown bool) bool
}

func (m *Manager) exitRules() []exitRule {
	return []exitRule{
		{
			reason: models.ExitReasonTakeProfit,
			applies: func(pnlPct float64, _ int, _ bool) bool {
				return pnlPct >= m.cfg.ProfitTargetPct
			},
		},
		{
			reason: models.ExitReasonStopLoss,
			applies: func(pnlPct float64, _ int, _ bool) bool {
				return pnlPct <= -m.cfg.StopLossPct
			},
		},
		{
			reason: models.ExitReasonCloseToExpiry,
			applies: func(_ float64, daysToExpiry int, expiryKnown bool) bool {
				return expiryKnown && daysToExpiry <= m.cfg.CloseDTE
			},
		},
	}
}

// ReviewAndClose evaluates every open option position for a currency and
// closes the ones that trigger an exit rule. Malformed position records are
// skipped and logged; a failure to close one position does not stop review
// of the rest. The returned actions cover only positions whose closing
// order was actually placed.
func (m *Manager) ReviewAndClose(ctx context.Context, currency string) ([]models.CloseAction, error) {
	positions, err := m.broker.GetPositions(ctx, currency)
	if err != nil {
		return nil, err
	}

	var actions []models.CloseAction
	for _, pos := range positions {
		action, ok := m.evaluate(pos)
		if !ok {
			continue
		}

		if err := m.close(ctx, pos, &action); err != nil {
			m.logger.Printf("ERROR: closing %s (%s): %v", pos.InstrumentName, action.Reason, err)
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// evaluate runs the exit rules for one position. It returns false when the
// record is malformed or no rule triggers.
func (m *Manager) evaluate(pos broker.Position) (models.CloseAction, bool) {
	if pos.InstrumentName == "" || pos.Size == 0 || pos.AveragePrice <= 0 || pos.MarkPrice <= 0 ||
		(pos.Direction != "buy" && pos.Direction != "sell") {
		m.logger.Printf("Warning: skipping malformed position record %+v", pos)
		return models.CloseAction{}, false
	}

	pnlPct := (pos.MarkPrice - pos.AveragePrice) / pos.AveragePrice
	if pos.Direction == "sell" {
		pnlPct = -pnlPct
	}

	daysToExpiry := 0
	expiryKnown := false
	if inst, err := models.ParseInstrument(pos.InstrumentName); err != nil {
		// Only the expiry rule depends on the name; P&L rules still apply.
		m.logger.Printf("Warning: cannot parse expiry of %s: %v", pos.InstrumentName, err)
	} else {
		daysToExpiry = inst.DaysToExpiry(m.now())
		expiryKnown = true
	}

	var reason models.ExitReason
	triggered := false
	for _, rule := range m.exitRules() {
		if rule.applies(pnlPct, daysToExpiry, expiryKnown) {
			reason = rule.reason
			triggered = true
		}
	}
	if !triggered {
		return models.CloseAction{}, false
	}

	return models.CloseAction{
		Instrument: pos.InstrumentName,
		Reason:     reason,
		PnLPct:     pnlPct,
		Size:       pos.Size,
		Timestamp:  m.now().UTC(),
	}, true
}

// close places a market order for the full position size in the opposite
// direction and journals the result.
func (m *Manager) close(ctx context.Context, pos broker.Position, action *models.CloseAction) error {
	// The exchange reports short sizes as negative, so negating the size
	// yields the closing amount for either direction. Guard against feeds
	// that report magnitudes instead.
	amount := -pos.Size
	if pos.Direction == "sell" && pos.Size > 0 {
		amount = pos.Size
	}

	order, err := m.orders.PlaceOrderWithRetry(ctx, pos.InstrumentName, amount,
		models.OrderTypeMarket, 0, "close_"+string(action.Reason))
	if err != nil {
		return err
	}
	action.OrderID = order.OrderID

	m.logger.Printf("Closing %s: reason=%s pnl=%.2f%% size=%v order=%s",
		pos.InstrumentName, action.Reason, action.PnLPct*100, pos.Size, order.OrderID)

	if err := m.storage.RecordClose(*action, pos.FloatingPnL); err != nil {
		m.logger.Printf("ERROR: journaling close of %s: %v", pos.InstrumentName, err)
	}
	return nil
}
