// Package spread turns a ranked opportunity into a two-leg vertical spread
// and executes it against the exchange, journaling the intent before any
// order goes out.
package spread

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/models"
	"github.com/afontaine/volarb/internal/storage"
	"github.com/afontaine/volarb/internal/util"
)

// optionTick is Deribit's price increment for option orders, quoted in the
// underlying currency.
const optionTick = 0.0005

// RejectionReason classifies why a spread could not be completed.
type RejectionReason string

const (
	// ReasonNoLiquidity means a leg's book lacked the required side
	ReasonNoLiquidity RejectionReason = "no_liquidity"
	// ReasonOverBudget means the net cost exceeded the per-position budget
	ReasonOverBudget RejectionReason = "over_budget"
	// ReasonBuyFailed means the buy leg was rejected; nothing was committed
	ReasonBuyFailed RejectionReason = "buy_failed"
	// ReasonSellFailed means the sell leg failed after the buy leg was
	// placed, and the buy leg was canceled successfully
	ReasonSellFailed RejectionReason = "sell_failed"
)

// RejectionError reports a spread that was turned down or cleanly unwound.
type RejectionError struct {
	Reason RejectionReason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("spread rejected: %s", e.Reason)
	}
	return fmt.Sprintf("spread rejected: %s: %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// PartialExecutionError reports the worst case: the sell leg failed and the
// compensating cancel of the buy leg also failed, so a naked long option may
// remain on the account.
type PartialExecutionError struct {
	SpreadID   string
	BuyOrderID string
	SellErr    error
	CancelErr  error
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("spread %s: sell leg failed (%v) and cancel of buy order %s failed (%v); naked position may remain",
		e.SpreadID, e.SellErr, e.BuyOrderID, e.CancelErr)
}

// Builder constructs and executes vertical spreads.
type Builder struct {
	broker  broker.Broker
	storage storage.Interface
	cfg     config.StrategyConfig
	budget  float64
	logger  *log.Logger
}

// NewBuilder creates a spread builder. budget caps |net cost| per spread.
func NewBuilder(b broker.Broker, store storage.Interface, cfg config.StrategyConfig, budget float64, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.New(os.Stderr, "spread: ", log.LstdFlags)
	}
	return &Builder{
		broker:  b,
		storage: store,
		cfg:     cfg,
		budget:  budget,
		logger:  logger,
	}
}

// Build derives the paired leg for an opportunity, checks liquidity and
// budget, and places both legs, buy first. The spread intent is journaled
// before the first order so a crash between the legs is detectable on
// restart.
func (b *Builder) Build(ctx context.Context, opp models.Opportunity) (*models.SpreadOrder, error) {
	size, ok := b.cfg.ContractSize(opp.Instrument.Currency)
	if !ok {
		return nil, fmt.Errorf("no contract size configured for %s", opp.Instrument.Currency)
	}

	order, err := b.plan(opp, size)
	if err != nil {
		return nil, err
	}

	buyBook, err := b.broker.GetOrderBook(ctx, order.BuyLeg.Instrument.Name())
	if err != nil {
		return nil, &RejectionError{Reason: ReasonNoLiquidity, Err: err}
	}
	sellBook, err := b.broker.GetOrderBook(ctx, order.SellLeg.Instrument.Name())
	if err != nil {
		return nil, &RejectionError{Reason: ReasonNoLiquidity, Err: err}
	}

	buyAsk, ok := buyBook.BestAsk()
	if !ok {
		return nil, &RejectionError{Reason: ReasonNoLiquidity,
			Err: fmt.Errorf("%s has no asks", order.BuyLeg.Instrument.Name())}
	}
	sellBid, ok := sellBook.BestBid()
	if !ok {
		return nil, &RejectionError{Reason: ReasonNoLiquidity,
			Err: fmt.Errorf("%s has no bids", order.SellLeg.Instrument.Name())}
	}

	order.BuyLeg.TargetPrice = util.CeilToTick(buyAsk, optionTick)
	order.SellLeg.TargetPrice = util.FloorToTick(sellBid, optionTick)
	order.NetCost = (buyAsk - sellBid) * size

	if math.Abs(order.NetCost) > b.budget {
		return nil, &RejectionError{Reason: ReasonOverBudget,
			Err: fmt.Errorf("net cost %.4f exceeds budget %.4f", order.NetCost, b.budget)}
	}

	if err := b.storage.RecordSpread(*order); err != nil {
		return nil, fmt.Errorf("journaling spread intent: %w", err)
	}

	return b.execute(ctx, order)
}

// plan fills in everything about the spread that does not require market
// data: the paired strike, the four-way kind, and both legs.
func (b *Builder) plan(opp models.Opportunity, size float64) (*models.SpreadOrder, error) {
	offset := b.cfg.StrikeSpreadPct
	if opp.Instrument.Kind == models.OptionKindPut {
		offset = -offset
	}

	paired := opp.Instrument
	// Deribit lists strikes on whole-currency boundaries.
	paired.Strike = util.RoundToTick(opp.Instrument.Strike*(1+offset), 1)
	if paired.Strike == opp.Instrument.Strike {
		return nil, fmt.Errorf("strike offset %.2f%% collapses to the same strike %v",
			b.cfg.StrikeSpreadPct*100, opp.Instrument.Strike)
	}

	var kind models.SpreadKind
	var buyInst, sellInst models.Instrument
	switch {
	case opp.Direction == models.DirectionSell && opp.Instrument.Kind == models.OptionKindCall:
		kind, buyInst, sellInst = models.SpreadBearCall, paired, opp.Instrument
	case opp.Direction == models.DirectionSell && opp.Instrument.Kind == models.OptionKindPut:
		kind, buyInst, sellInst = models.SpreadBearPut, paired, opp.Instrument
	case opp.Direction == models.DirectionBuy && opp.Instrument.Kind == models.OptionKindCall:
		kind, buyInst, sellInst = models.SpreadBullCall, opp.Instrument, paired
	case opp.Direction == models.DirectionBuy && opp.Instrument.Kind == models.OptionKindPut:
		kind, buyInst, sellInst = models.SpreadBullPut, opp.Instrument, paired
	default:
		return nil, fmt.Errorf("cannot pair direction %q with option kind %q", opp.Direction, opp.Instrument.Kind)
	}

	return &models.SpreadOrder{
		ID:       uuid.NewString(),
		Kind:     kind,
		Currency: opp.Instrument.Currency,
		BuyLeg: models.SpreadLeg{
			Instrument: buyInst,
			Amount:     size,
			OrderType:  models.OrderTypeLimit,
		},
		SellLeg: models.SpreadLeg{
			Instrument: sellInst,
			Amount:     -size,
			OrderType:  models.OrderTypeLimit,
		},
		Size:      size,
		State:     models.SpreadStatePending,
		Timestamp: time.Now().UTC(),
	}, nil
}

// execute places the journaled legs: buy first so a failure can never leave
// an uncovered short on the account.
func (b *Builder) execute(ctx context.Context, order *models.SpreadOrder) (*models.SpreadOrder, error) {
	label := "volarb_" + order.ID[:8]

	buyOrder, err := b.broker.PlaceOrder(ctx, order.BuyLeg.Instrument.Name(),
		order.BuyLeg.Amount, order.BuyLeg.OrderType, order.BuyLeg.TargetPrice, label+"_buy")
	if err != nil {
		b.transition(order, models.SpreadStateCompensated)
		return nil, &RejectionError{Reason: ReasonBuyFailed, Err: err}
	}
	order.BuyLeg.OrderID = buyOrder.OrderID
	b.transition(order, models.SpreadStateBuyFilled)

	sellOrder, err := b.broker.PlaceOrder(ctx, order.SellLeg.Instrument.Name(),
		order.SellLeg.Amount, order.SellLeg.OrderType, order.SellLeg.TargetPrice, label+"_sell")
	if err != nil {
		return nil, b.compensate(ctx, order, err)
	}
	order.SellLeg.OrderID = sellOrder.OrderID
	b.transition(order, models.SpreadStateComplete)

	b.logger.Printf("Placed %s spread %s: buy %s @ %.4f, sell %s @ %.4f, net cost %.4f",
		order.Kind, order.ID,
		order.BuyLeg.Instrument.Name(), order.BuyLeg.TargetPrice,
		order.SellLeg.Instrument.Name(), order.SellLeg.TargetPrice,
		order.NetCost)
	return order, nil
}

// compensate cancels the buy leg after a sell-leg failure. Cancellation is
// best effort; if it fails too, the caller gets a PartialExecutionError and
// a naked position may remain on the account.
func (b *Builder) compensate(ctx context.Context, order *models.SpreadOrder, sellErr error) error {
	b.logger.Printf("ERROR: sell leg of spread %s failed, canceling buy order %s: %v",
		order.ID, order.BuyLeg.OrderID, sellErr)
	b.transition(order, models.SpreadStateCompensating)

	if err := b.broker.CancelOrder(ctx, order.BuyLeg.OrderID); err != nil {
		b.transition(order, models.SpreadStateNaked)
		return &PartialExecutionError{
			SpreadID:   order.ID,
			BuyOrderID: order.BuyLeg.OrderID,
			SellErr:    sellErr,
			CancelErr:  err,
		}
	}

	b.transition(order, models.SpreadStateCompensated)
	return &RejectionError{Reason: ReasonSellFailed, Err: sellErr}
}

// transition advances the journaled state machine. Journal write failures
// are logged, not returned: by this point the exchange state has already
// moved and must not be obscured by a local bookkeeping error.
func (b *Builder) transition(order *models.SpreadOrder, to models.SpreadState) {
	if err := order.Transition(to); err != nil {
		b.logger.Printf("ERROR: %v", err)
		return
	}
	if err := b.storage.UpdateSpread(*order); err != nil {
		b.logger.Printf("ERROR: journaling spread %s state %s: %v", order.ID, to, err)
	}
}
