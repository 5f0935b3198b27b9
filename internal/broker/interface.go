package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/afontaine/volarb/internal/models"
)

// Broker defines the interface for interacting with the exchange.
// All methods take a context; the concrete client applies a per-call
// timeout on top of it, so a hung endpoint can never stall a whole cycle.
type Broker interface {
	// Market data
	GetInstruments(ctx context.Context, currency string) ([]InstrumentInfo, error)
	GetOrderBook(ctx context.Context, instrument string) (*OrderBook, error)
	GetPriceHistory(ctx context.Context, currency, resolution string, limit int) ([]float64, error)

	// Order placement
	PlaceOrder(ctx context.Context, instrument string, amount float64,
		orderType models.OrderType, price float64, label string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Account
	GetPositions(ctx context.Context, currency string) ([]Position, error)
	GetAccountSummary(ctx context.Context, currency string) (*AccountSummary, error)
}

// Ensure DeribitAPI implements Broker at compile time.
var _ Broker = (*DeribitAPI)(nil)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetInstruments wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetInstruments(ctx context.Context, currency string) ([]InstrumentInfo, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]InstrumentInfo, error) {
		return b.GetInstruments(ctx, currency)
	})
}

// GetOrderBook wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderBook(ctx context.Context, instrument string) (*OrderBook, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderBook, error) {
		return b.GetOrderBook(ctx, instrument)
	})
}

// GetPriceHistory wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPriceHistory(ctx context.Context, currency, resolution string, limit int) ([]float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]float64, error) {
		return b.GetPriceHistory(ctx, currency, resolution, limit)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, instrument string, amount float64,
	orderType models.OrderType, price float64, label string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.PlaceOrder(ctx, instrument, amount, orderType, price, label)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context, currency string) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.GetPositions(ctx, currency)
	})
}

// GetAccountSummary wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountSummary(ctx context.Context, currency string) (*AccountSummary, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*AccountSummary, error) {
		return b.GetAccountSummary(ctx, currency)
	})
}
