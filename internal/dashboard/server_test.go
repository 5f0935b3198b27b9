package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/models"
	"github.com/afontaine/volarb/internal/storage"
	"github.com/afontaine/volarb/internal/volatility"
)

type stubBroker struct {
	positions    []broker.Position
	positionsErr error
}

func (s *stubBroker) GetInstruments(context.Context, string) ([]broker.InstrumentInfo, error) {
	return nil, nil
}

func (s *stubBroker) GetOrderBook(context.Context, string) (*broker.OrderBook, error) {
	return nil, errors.New("not implemented")
}

func (s *stubBroker) GetPriceHistory(context.Context, string, string, int) ([]float64, error) {
	return nil, nil
}

func (s *stubBroker) PlaceOrder(context.Context, string, float64, models.OrderType, float64, string) (*broker.Order, error) {
	return nil, errors.New("not implemented")
}

func (s *stubBroker) CancelOrder(context.Context, string) error { return nil }

func (s *stubBroker) GetPositions(_ context.Context, currency string) ([]broker.Position, error) {
	if s.positionsErr != nil {
		return nil, s.positionsErr
	}
	var out []broker.Position
	for _, pos := range s.positions {
		if len(pos.InstrumentName) >= len(currency) && pos.InstrumentName[:len(currency)] == currency {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *stubBroker) GetAccountSummary(_ context.Context, currency string) (*broker.AccountSummary, error) {
	return &broker.AccountSummary{Currency: currency, Equity: 1.5, EquityUSD: 45000}, nil
}

func quietLogrus() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(b broker.Broker, store storage.Interface, authToken string) *Server {
	estimator := volatility.NewEstimator(b, config.VolatilityConfig{
		WindowShort:  7,
		WindowMedium: 14,
		WindowLong:   30,
		Weights:      []float64{0.5, 0.3, 0.2},
		Fallbacks:    []float64{0.8, 0.7, 0.6},
		Resolution:   "1D",
		HistoryLimit: 31,
	}, nil)

	cfg := Config{Port: 9000, AuthToken: authToken, Currencies: []string{"BTC"}}
	return NewServer(cfg, store, b, estimator, quietLogrus())
}

func get(t *testing.T, s *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthBypassesAuth(t *testing.T) {
	s := newTestServer(&stubBroker{}, storage.NewMockStorage(), "secret")

	rec := get(t, s, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/health = %d, want 200 without a token", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(&stubBroker{}, storage.NewMockStorage(), "secret")

	if rec := get(t, s, "/api/spreads", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
	if rec := get(t, s, "/api/spreads", map[string]string{"X-Auth-Token": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", rec.Code)
	}
	if rec := get(t, s, "/api/spreads", map[string]string{"X-Auth-Token": "secret"}); rec.Code != http.StatusOK {
		t.Errorf("header token = %d, want 200", rec.Code)
	}
	if rec := get(t, s, "/api/spreads?token=secret", nil); rec.Code != http.StatusOK {
		t.Errorf("query token = %d, want 200", rec.Code)
	}
}

func TestGetSpreadsServesJournal(t *testing.T) {
	store := storage.NewMockStorage()
	expiry := time.Date(2023, time.June, 30, 8, 0, 0, 0, time.UTC)
	err := store.RecordSpread(models.SpreadOrder{
		ID:       "s1",
		Kind:     models.SpreadBearCall,
		Currency: "BTC",
		BuyLeg: models.SpreadLeg{
			Instrument: models.Instrument{Currency: "BTC", Expiry: expiry, Strike: 26250, Kind: models.OptionKindCall},
			Amount:     0.01,
		},
		State: models.SpreadStateComplete,
	})
	if err != nil {
		t.Fatalf("RecordSpread failed: %v", err)
	}

	s := newTestServer(&stubBroker{}, store, "")
	rec := get(t, s, "/api/spreads", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/spreads = %d", rec.Code)
	}

	var spreads []models.SpreadOrder
	if err := json.NewDecoder(rec.Body).Decode(&spreads); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(spreads) != 1 || spreads[0].ID != "s1" {
		t.Errorf("spreads = %+v", spreads)
	}
}

func TestGetStatsIncludesOpenPositions(t *testing.T) {
	b := &stubBroker{positions: []broker.Position{
		{InstrumentName: "BTC-30JUN23-25000-C", Size: -0.01, Direction: "sell"},
		{InstrumentName: "BTC-30JUN23-26250-C", Size: 0.01, Direction: "buy"},
	}}
	store := storage.NewMockStorage()
	action := models.CloseAction{Instrument: "BTC-30JUN23-25000-C", Reason: models.ExitReasonTakeProfit, Timestamp: time.Now()}
	if err := store.RecordClose(action, 0.006); err != nil {
		t.Fatalf("RecordClose failed: %v", err)
	}

	s := newTestServer(b, store, "")
	rec := get(t, s, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/stats = %d", rec.Code)
	}

	var stats Statistics
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if stats.TotalTrades != 1 {
		t.Errorf("TotalTrades = %d, want 1", stats.TotalTrades)
	}
	if stats.OpenPositions != 2 {
		t.Errorf("OpenPositions = %d, want 2", stats.OpenPositions)
	}
}

func TestGetPositionsBrokerFailure(t *testing.T) {
	b := &stubBroker{positionsErr: errors.New("exchange down")}
	s := newTestServer(b, storage.NewMockStorage(), "")

	if rec := get(t, s, "/api/positions", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("/api/positions = %d, want 500 on broker failure", rec.Code)
	}
}

func TestGetAccountSummary(t *testing.T) {
	s := newTestServer(&stubBroker{}, storage.NewMockStorage(), "")

	rec := get(t, s, "/api/account/BTC", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/account/BTC = %d", rec.Code)
	}

	var summary broker.AccountSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if summary.Currency != "BTC" || summary.Equity != 1.5 {
		t.Errorf("summary = %+v", summary)
	}
}
