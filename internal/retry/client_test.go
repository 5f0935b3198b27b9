package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/models"
)

type flakyBroker struct {
	failures int
	err      error
	calls    int
}

func (f *flakyBroker) PlaceOrder(_ context.Context, instrument string, _ float64,
	_ models.OrderType, _ float64, _ string) (*broker.Order, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &broker.Order{OrderID: "ord-1", InstrumentName: instrument}, nil
}

func (f *flakyBroker) GetInstruments(context.Context, string) ([]broker.InstrumentInfo, error) {
	return nil, nil
}

func (f *flakyBroker) GetOrderBook(context.Context, string) (*broker.OrderBook, error) {
	return nil, errors.New("not implemented")
}

func (f *flakyBroker) GetPriceHistory(context.Context, string, string, int) ([]float64, error) {
	return nil, nil
}

func (f *flakyBroker) CancelOrder(context.Context, string) error { return nil }

func (f *flakyBroker) GetPositions(context.Context, string) ([]broker.Position, error) {
	return nil, nil
}

func (f *flakyBroker) GetAccountSummary(context.Context, string) (*broker.AccountSummary, error) {
	return nil, nil
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestPlaceOrderRetriesTransientErrors(t *testing.T) {
	b := &flakyBroker{failures: 2, err: errors.New("connection reset by peer")}
	c := NewClient(b, quietLogger(), fastConfig())

	order, err := c.PlaceOrderWithRetry(context.Background(), "BTC-30JUN23-25000-C",
		0.01, models.OrderTypeMarket, 0, "close_take_profit")
	if err != nil {
		t.Fatalf("PlaceOrderWithRetry failed: %v", err)
	}
	if order.OrderID != "ord-1" {
		t.Errorf("OrderID = %q", order.OrderID)
	}
	if b.calls != 3 {
		t.Errorf("broker called %d times, want 3", b.calls)
	}
}

func TestPlaceOrderAbortsOnPermanentError(t *testing.T) {
	b := &flakyBroker{failures: 10, err: errors.New("not_enough_funds")}
	c := NewClient(b, quietLogger(), fastConfig())

	_, err := c.PlaceOrderWithRetry(context.Background(), "BTC-30JUN23-25000-C",
		0.01, models.OrderTypeMarket, 0, "")
	if err == nil {
		t.Fatal("PlaceOrderWithRetry succeeded, want error")
	}
	if b.calls != 1 {
		t.Errorf("broker called %d times, want 1 (no retry on permanent error)", b.calls)
	}
}

func TestPlaceOrderGivesUpAfterMaxRetries(t *testing.T) {
	b := &flakyBroker{failures: 10, err: errors.New("rate limit exceeded")}
	c := NewClient(b, quietLogger(), fastConfig())

	_, err := c.PlaceOrderWithRetry(context.Background(), "BTC-30JUN23-25000-C",
		0.01, models.OrderTypeMarket, 0, "")
	if err == nil {
		t.Fatal("PlaceOrderWithRetry succeeded, want error")
	}
	if b.calls != 4 {
		t.Errorf("broker called %d times, want 4 (initial + 3 retries)", b.calls)
	}
}

func TestPlaceOrderHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &flakyBroker{}
	c := NewClient(b, quietLogger(), fastConfig())

	if _, err := c.PlaceOrderWithRetry(ctx, "BTC-30JUN23-25000-C",
		0.01, models.OrderTypeMarket, 0, ""); err == nil {
		t.Fatal("PlaceOrderWithRetry succeeded on a canceled context")
	}
}

func TestIsTransientError(t *testing.T) {
	c := NewClient(&flakyBroker{}, quietLogger())

	transient := []string{
		"dial tcp: connection refused",
		"request timeout",
		"HTTP 503 Service Unavailable",
		"rate limit exceeded",
		"dns lookup failed",
	}
	for _, msg := range transient {
		if !c.isTransientError(errors.New(msg)) {
			t.Errorf("%q should be transient", msg)
		}
	}

	permanent := []string{
		"not_enough_funds",
		"invalid instrument",
		"order rejected",
	}
	for _, msg := range permanent {
		if c.isTransientError(errors.New(msg)) {
			t.Errorf("%q should not be transient", msg)
		}
	}
	if c.isTransientError(nil) {
		t.Error("nil error should not be transient")
	}
}
