// Package mock provides a deterministic in-memory Broker for parameter
// sweeps and paper runs. Prices follow a seeded random walk and option
// quotes are synthesized from a toy pricing rule, so two runs with the same
// seed see identical markets.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/models"
)

const (
	historyDays   = 120
	dailyVol      = 0.03
	quoteSpread   = 0.002
	startEquity   = 10.0
	strikeStepPct = 0.05
)

// SimBroker implements broker.Broker against a synthetic market.
type SimBroker struct {
	mu          sync.Mutex
	rng         *rand.Rand
	currency    string
	prices      []float64
	instruments []broker.InstrumentInfo
	ivTilt      map[string]float64
	positions   map[string]*broker.Position
	orders      map[string]*broker.Order
	nextOrderID int
	now         time.Time
}

// Ensure SimBroker implements broker.Broker.
var _ broker.Broker = (*SimBroker)(nil)

// NewSimBroker builds a synthetic market for one currency. The same seed
// always produces the same price path, listing and quotes.
func NewSimBroker(seed int64, currency string, startPrice float64) *SimBroker {
	s := &SimBroker{
		rng:       rand.New(rand.NewSource(seed)),
		currency:  currency,
		positions: make(map[string]*broker.Position),
		orders:    make(map[string]*broker.Order),
		ivTilt:    make(map[string]float64),
		// Day granularity: the expiry grid is daily, and a sub-day clock
		// would leak construction time into premiums and break the
		// same-seed-same-market contract.
		now: time.Now().UTC().Truncate(24 * time.Hour),
	}

	price := startPrice
	for i := 0; i < historyDays; i++ {
		price *= math.Exp((s.rng.Float64() - 0.5) * 2 * dailyVol)
		s.prices = append(s.prices, price)
	}
	s.buildListing()
	return s
}

// buildListing synthesizes an option chain: four weekly expiries, strikes in
// 5% steps around spot, calls and puts. Each instrument gets a persistent
// implied-vol tilt so some quotes are rich and some cheap.
func (s *SimBroker) buildListing() {
	spot := s.spot()
	for week := 1; week <= 4; week++ {
		expiry := s.now.AddDate(0, 0, 7*week)
		for step := -4; step <= 4; step++ {
			strike := math.Round(spot * (1 + float64(step)*strikeStepPct))
			for _, kind := range []models.OptionKind{models.OptionKindCall, models.OptionKindPut} {
				inst := models.Instrument{
					Currency: s.currency,
					Expiry:   time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 8, 0, 0, 0, time.UTC),
					Strike:   strike,
					Kind:     kind,
				}
				name := inst.Name()
				s.instruments = append(s.instruments, broker.InstrumentInfo{
					InstrumentName:      name,
					Strike:              strike,
					ExpirationTimestamp: inst.Expiry.UnixMilli(),
					OptionType:          string(kind),
					Kind:                "option",
				})
				// Tilt in [0.5, 1.7]: below ~0.7 the scanner sees a buy,
				// above ~1.3 a sell.
				s.ivTilt[name] = 0.5 + s.rng.Float64()*1.2
			}
		}
	}
}

func (s *SimBroker) spot() float64 { return s.prices[len(s.prices)-1] }

// realizedVol is the annualized volatility of the generated path, used as
// the fair value the per-instrument tilt multiplies.
func (s *SimBroker) realizedVol() float64 {
	var returns []float64
	for i := 1; i < len(s.prices); i++ {
		returns = append(returns, math.Log(s.prices[i]/s.prices[i-1]))
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(returns)-1)) * math.Sqrt(365)
}

func (s *SimBroker) GetInstruments(_ context.Context, currency string) ([]broker.InstrumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if currency != s.currency {
		return nil, fmt.Errorf("unknown currency %q", currency)
	}
	out := make([]broker.InstrumentInfo, len(s.instruments))
	copy(out, s.instruments)
	return out, nil
}

func (s *SimBroker) GetOrderBook(_ context.Context, instrument string) (*broker.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tilt, ok := s.ivTilt[instrument]
	if !ok {
		return nil, fmt.Errorf("unknown instrument %q", instrument)
	}

	inst, err := models.ParseInstrument(instrument)
	if err != nil {
		return nil, err
	}

	mid := s.premium(inst)
	return &broker.OrderBook{
		InstrumentName: instrument,
		Bids:           [][2]float64{{mid - quoteSpread/2, 10}},
		Asks:           [][2]float64{{mid + quoteSpread/2, 10}},
		MarkIV:         s.realizedVol() * tilt,
		IndexPrice:     s.spot(),
	}, nil
}

// premium prices an option with a crude intrinsic-plus-time rule, quoted in
// the underlying like Deribit does.
func (s *SimBroker) premium(inst models.Instrument) float64 {
	spot := s.spot()
	var intrinsic float64
	if inst.Kind == models.OptionKindCall {
		intrinsic = math.Max(0, spot-inst.Strike) / spot
	} else {
		intrinsic = math.Max(0, inst.Strike-spot) / spot
	}
	dte := math.Max(1, inst.Expiry.Sub(s.now).Hours()/24)
	timeValue := 0.02 * math.Sqrt(dte/365) * math.Exp(-math.Abs(inst.Strike-spot)/spot*5)
	return intrinsic + timeValue + quoteSpread
}

func (s *SimBroker) GetPriceHistory(_ context.Context, currency, _ string, limit int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if currency != s.currency {
		return nil, fmt.Errorf("unknown currency %q", currency)
	}
	if limit <= 0 || limit > len(s.prices) {
		limit = len(s.prices)
	}
	out := make([]float64, limit)
	copy(out, s.prices[len(s.prices)-limit:])
	return out, nil
}

func (s *SimBroker) PlaceOrder(_ context.Context, instrument string, amount float64,
	orderType models.OrderType, price float64, label string) (*broker.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount == 0 {
		return nil, fmt.Errorf("zero amount order for %q", instrument)
	}
	inst, err := models.ParseInstrument(instrument)
	if err != nil {
		return nil, err
	}

	fill := s.premium(inst)
	if orderType == models.OrderTypeLimit {
		fill = price
	}

	s.nextOrderID++
	order := &broker.Order{
		OrderID:        fmt.Sprintf("sim-%d", s.nextOrderID),
		InstrumentName: instrument,
		Direction:      directionOf(amount),
		Price:          fill,
		Amount:         math.Abs(amount),
		OrderState:     "filled",
		Label:          label,
	}
	s.orders[order.OrderID] = order
	s.applyFill(instrument, amount, fill)
	return order, nil
}

func directionOf(amount float64) string {
	if amount > 0 {
		return "buy"
	}
	return "sell"
}

// applyFill nets the fill into the position book, removing positions that
// flatten out.
func (s *SimBroker) applyFill(instrument string, amount, price float64) {
	pos, ok := s.positions[instrument]
	if !ok {
		s.positions[instrument] = &broker.Position{
			InstrumentName: instrument,
			Size:           amount,
			Direction:      directionOf(amount),
			AveragePrice:   price,
			MarkPrice:      price,
			Kind:           "option",
		}
		return
	}

	pos.Size += amount
	if pos.Size == 0 {
		delete(s.positions, instrument)
		return
	}
	pos.Direction = directionOf(pos.Size)
}

func (s *SimBroker) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %q", orderID)
	}
	if order.OrderState == "filled" {
		// Simulated orders fill instantly; canceling reverses the fill so
		// compensation paths behave like a successful cancel.
		amount := order.Amount
		if order.Direction == "buy" {
			amount = -amount
		}
		s.applyFill(order.InstrumentName, amount, order.Price)
	}
	order.OrderState = "cancelled"
	return nil
}

func (s *SimBroker) GetPositions(_ context.Context, currency string) ([]broker.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if currency != s.currency {
		return nil, fmt.Errorf("unknown currency %q", currency)
	}

	var out []broker.Position
	for _, pos := range s.positions {
		p := *pos
		inst, err := models.ParseInstrument(p.InstrumentName)
		if err == nil {
			p.MarkPrice = s.premium(inst)
			p.FloatingPnL = (p.MarkPrice - p.AveragePrice) * p.Size
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SimBroker) GetAccountSummary(_ context.Context, currency string) (*broker.AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	equity := startEquity
	for _, pos := range s.positions {
		equity += pos.FloatingPnL
	}
	return &broker.AccountSummary{
		Currency:       currency,
		Equity:         equity,
		EquityUSD:      equity * s.spot(),
		AvailableFunds: equity,
	}, nil
}

// AdvanceDay appends one more step to the price path so multi-cycle sweeps
// see moving markets.
func (s *SimBroker) AdvanceDay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.spot() * math.Exp((s.rng.Float64()-0.5)*2*dailyVol)
	s.prices = append(s.prices, next)
}
