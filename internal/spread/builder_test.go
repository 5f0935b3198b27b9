package spread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/models"
	"github.com/afontaine/volarb/internal/storage"
)

type mockBroker struct {
	books map[string]*broker.OrderBook

	failBuy    bool
	failSell   bool
	failCancel bool

	placed   []placedOrder
	canceled []string
	nextID   int
}

type placedOrder struct {
	instrument string
	amount     float64
	orderType  models.OrderType
	price      float64
	label      string
}

func (m *mockBroker) GetOrderBook(_ context.Context, instrument string) (*broker.OrderBook, error) {
	book, ok := m.books[instrument]
	if !ok {
		return nil, fmt.Errorf("no book for %s", instrument)
	}
	return book, nil
}

func (m *mockBroker) PlaceOrder(_ context.Context, instrument string, amount float64,
	orderType models.OrderType, price float64, label string) (*broker.Order, error) {
	if amount > 0 && m.failBuy {
		return nil, errors.New("buy rejected")
	}
	if amount < 0 && m.failSell {
		return nil, errors.New("sell rejected")
	}

	m.placed = append(m.placed, placedOrder{instrument, amount, orderType, price, label})
	m.nextID++
	return &broker.Order{
		OrderID:        fmt.Sprintf("ord-%d", m.nextID),
		InstrumentName: instrument,
		Price:          price,
		Amount:         math.Abs(amount),
		OrderState:     "open",
		Label:          label,
	}, nil
}

func (m *mockBroker) CancelOrder(_ context.Context, orderID string) error {
	if m.failCancel {
		return errors.New("cancel rejected")
	}
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *mockBroker) GetInstruments(context.Context, string) ([]broker.InstrumentInfo, error) {
	return nil, nil
}

func (m *mockBroker) GetPriceHistory(context.Context, string, string, int) ([]float64, error) {
	return nil, nil
}

func (m *mockBroker) GetPositions(context.Context, string) ([]broker.Position, error) {
	return nil, nil
}

func (m *mockBroker) GetAccountSummary(context.Context, string) (*broker.AccountSummary, error) {
	return nil, nil
}

func testOpportunity(direction models.Direction, kind models.OptionKind) models.Opportunity {
	return models.Opportunity{
		Instrument: models.Instrument{
			Currency: "BTC",
			Expiry:   time.Date(2023, time.June, 30, 8, 0, 0, 0, time.UTC),
			Strike:   25000,
			Kind:     kind,
		},
		Direction:     direction,
		ImpliedVol:    0.85,
		HistoricalVol: 0.60,
		Ratio:         1.417,
		DaysToExpiry:  10,
	}
}

func newTestBuilder(m *mockBroker, budget float64) (*Builder, *storage.MockStorage) {
	store := storage.NewMockStorage()
	cfg := config.StrategyConfig{
		StrikeSpreadPct: 0.05,
		ContractSizes:   map[string]float64{"BTC": 0.01},
	}
	b := NewBuilder(m, store, cfg, budget, log.New(io.Discard, "", 0))
	return b, store
}

func bookAt(bid, ask float64) *broker.OrderBook {
	return &broker.OrderBook{
		Bids:       [][2]float64{{bid, 10}},
		Asks:       [][2]float64{{ask, 10}},
		MarkIV:     0.85,
		IndexPrice: 30000,
	}
}

func TestBuildSpreadKinds(t *testing.T) {
	tests := []struct {
		name         string
		direction    models.Direction
		kind         models.OptionKind
		wantKind     models.SpreadKind
		wantBuyLeg   string
		wantSellLeg  string
	}{
		{
			name:        "sell call becomes bear call",
			direction:   models.DirectionSell,
			kind:        models.OptionKindCall,
			wantKind:    models.SpreadBearCall,
			wantBuyLeg:  "BTC-30JUN23-26250-C",
			wantSellLeg: "BTC-30JUN23-25000-C",
		},
		{
			name:        "sell put becomes bear put",
			direction:   models.DirectionSell,
			kind:        models.OptionKindPut,
			wantKind:    models.SpreadBearPut,
			wantBuyLeg:  "BTC-30JUN23-23750-P",
			wantSellLeg: "BTC-30JUN23-25000-P",
		},
		{
			name:        "buy call becomes bull call",
			direction:   models.DirectionBuy,
			kind:        models.OptionKindCall,
			wantKind:    models.SpreadBullCall,
			wantBuyLeg:  "BTC-30JUN23-25000-C",
			wantSellLeg: "BTC-30JUN23-26250-C",
		},
		{
			name:        "buy put becomes bull put",
			direction:   models.DirectionBuy,
			kind:        models.OptionKindPut,
			wantKind:    models.SpreadBullPut,
			wantBuyLeg:  "BTC-30JUN23-25000-P",
			wantSellLeg: "BTC-30JUN23-23750-P",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockBroker{books: map[string]*broker.OrderBook{
				tt.wantBuyLeg:  bookAt(0.010, 0.012),
				tt.wantSellLeg: bookAt(0.015, 0.017),
			}}
			b, _ := newTestBuilder(m, 100)

			order, err := b.Build(context.Background(), testOpportunity(tt.direction, tt.kind))
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}

			if order.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", order.Kind, tt.wantKind)
			}
			if got := order.BuyLeg.Instrument.Name(); got != tt.wantBuyLeg {
				t.Errorf("buy leg = %s, want %s", got, tt.wantBuyLeg)
			}
			if got := order.SellLeg.Instrument.Name(); got != tt.wantSellLeg {
				t.Errorf("sell leg = %s, want %s", got, tt.wantSellLeg)
			}
			if order.State != models.SpreadStateComplete {
				t.Errorf("State = %s, want complete", order.State)
			}
			if order.BuyLeg.Amount != 0.01 || order.SellLeg.Amount != -0.01 {
				t.Errorf("leg amounts = %v / %v, want 0.01 / -0.01", order.BuyLeg.Amount, order.SellLeg.Amount)
			}
		})
	}
}

func TestBuildNetCostFromQuotes(t *testing.T) {
	// Historical vol 0.60 and quoted IV 0.85 classify as sell; with buy ask
	// 120 and sell bid 150 at size 0.01, the spread is a 30-unit credit.
	m := &mockBroker{books: map[string]*broker.OrderBook{
		"BTC-30JUN23-26250-C": bookAt(110, 120),
		"BTC-30JUN23-25000-C": bookAt(150, 160),
	}}
	b, _ := newTestBuilder(m, 100)

	order, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if math.Abs(order.NetCost-(-0.30)) > 1e-9 {
		t.Errorf("NetCost = %v, want -0.30", order.NetCost)
	}
	if order.Kind != models.SpreadBearCall {
		t.Errorf("Kind = %s, want bear_call", order.Kind)
	}
}

func TestBuildRejectsNoLiquidity(t *testing.T) {
	t.Run("buy leg has no asks", func(t *testing.T) {
		m := &mockBroker{books: map[string]*broker.OrderBook{
			"BTC-30JUN23-26250-C": {Bids: [][2]float64{{0.01, 5}}},
			"BTC-30JUN23-25000-C": bookAt(0.015, 0.017),
		}}
		b, _ := newTestBuilder(m, 100)

		_, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))
		assertRejection(t, err, ReasonNoLiquidity)
	})

	t.Run("sell leg has no bids", func(t *testing.T) {
		m := &mockBroker{books: map[string]*broker.OrderBook{
			"BTC-30JUN23-26250-C": bookAt(0.010, 0.012),
			"BTC-30JUN23-25000-C": {Asks: [][2]float64{{0.017, 5}}},
		}}
		b, _ := newTestBuilder(m, 100)

		_, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))
		assertRejection(t, err, ReasonNoLiquidity)
	})

	t.Run("missing paired book", func(t *testing.T) {
		m := &mockBroker{books: map[string]*broker.OrderBook{
			"BTC-30JUN23-25000-C": bookAt(0.015, 0.017),
		}}
		b, _ := newTestBuilder(m, 100)

		_, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))
		assertRejection(t, err, ReasonNoLiquidity)
	})
}

func TestBuildRejectsOverBudget(t *testing.T) {
	m := &mockBroker{books: map[string]*broker.OrderBook{
		"BTC-30JUN23-26250-C": bookAt(110, 120),
		"BTC-30JUN23-25000-C": bookAt(150, 160),
	}}
	// |net cost| is 0.30, budget below that.
	b, store := newTestBuilder(m, 0.25)

	_, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))
	assertRejection(t, err, ReasonOverBudget)

	if len(m.placed) != 0 {
		t.Errorf("placed %d orders on a rejected spread", len(m.placed))
	}
	if len(store.Spreads()) != 0 {
		t.Errorf("journaled an intent for a rejected spread")
	}
}

func TestBuildJournalsIntentBeforeBuyLeg(t *testing.T) {
	m := &mockBroker{
		books: map[string]*broker.OrderBook{
			"BTC-30JUN23-26250-C": bookAt(0.010, 0.012),
			"BTC-30JUN23-25000-C": bookAt(0.015, 0.017),
		},
		failBuy: true,
	}
	b, store := newTestBuilder(m, 100)

	_, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))
	assertRejection(t, err, ReasonBuyFailed)

	// Even though no order went out, the intent was journaled first and
	// resolved to a terminal state.
	spreads := store.Spreads()
	if len(spreads) != 1 {
		t.Fatalf("journaled %d spreads, want 1", len(spreads))
	}
	if spreads[0].State != models.SpreadStateCompensated {
		t.Errorf("journal state = %s, want compensated", spreads[0].State)
	}
	if len(m.canceled) != 0 {
		t.Errorf("canceled %d orders after a failed buy leg", len(m.canceled))
	}
}

func TestBuildBuyLegPlacedFirst(t *testing.T) {
	m := &mockBroker{books: map[string]*broker.OrderBook{
		"BTC-30JUN23-26250-C": bookAt(0.010, 0.012),
		"BTC-30JUN23-25000-C": bookAt(0.015, 0.017),
	}}
	b, _ := newTestBuilder(m, 100)

	if _, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(m.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(m.placed))
	}
	if m.placed[0].amount <= 0 {
		t.Error("first order placed was not the buy leg")
	}
	if m.placed[1].amount >= 0 {
		t.Error("second order placed was not the sell leg")
	}
	if !strings.HasSuffix(m.placed[0].label, "_buy") || !strings.HasSuffix(m.placed[1].label, "_sell") {
		t.Errorf("leg labels = %q / %q", m.placed[0].label, m.placed[1].label)
	}
}

func TestBuildCompensatesFailedSellLeg(t *testing.T) {
	m := &mockBroker{
		books: map[string]*broker.OrderBook{
			"BTC-30JUN23-26250-C": bookAt(0.010, 0.012),
			"BTC-30JUN23-25000-C": bookAt(0.015, 0.017),
		},
		failSell: true,
	}
	b, store := newTestBuilder(m, 100)

	_, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))
	assertRejection(t, err, ReasonSellFailed)

	if len(m.canceled) != 1 {
		t.Fatalf("canceled %d orders, want 1 (the buy leg)", len(m.canceled))
	}
	spreads := store.Spreads()
	if len(spreads) != 1 || spreads[0].State != models.SpreadStateCompensated {
		t.Errorf("journal state = %+v, want one compensated spread", spreads)
	}
}

func TestBuildSurfacesFailedCancel(t *testing.T) {
	m := &mockBroker{
		books: map[string]*broker.OrderBook{
			"BTC-30JUN23-26250-C": bookAt(0.010, 0.012),
			"BTC-30JUN23-25000-C": bookAt(0.015, 0.017),
		},
		failSell:   true,
		failCancel: true,
	}
	b, store := newTestBuilder(m, 100)

	_, err := b.Build(context.Background(), testOpportunity(models.DirectionSell, models.OptionKindCall))

	var partial *PartialExecutionError
	if !errors.As(err, &partial) {
		t.Fatalf("err = %v, want PartialExecutionError", err)
	}
	if partial.SellErr == nil || partial.CancelErr == nil {
		t.Errorf("partial execution must carry both failures: %+v", partial)
	}
	if partial.BuyOrderID == "" {
		t.Error("partial execution must identify the resting buy order")
	}

	spreads := store.Spreads()
	if len(spreads) != 1 || spreads[0].State != models.SpreadStateNaked {
		t.Errorf("journal state = %+v, want one naked spread", spreads)
	}
}

func assertRejection(t *testing.T, err error, reason RejectionReason) {
	t.Helper()
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("err = %v, want RejectionError", err)
	}
	if rejection.Reason != reason {
		t.Fatalf("reason = %s, want %s", rejection.Reason, reason)
	}
}
