package broker

import "fmt"

// APIError represents an exchange API error. Status is the HTTP status code;
// Code and Message carry the JSON-RPC error payload when present.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("API error %d (rpc %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// InstrumentInfo is one entry from the exchange instrument listing.
type InstrumentInfo struct {
	InstrumentName      string  `json:"instrument_name"`
	Strike              float64 `json:"strike"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"` // milliseconds
	OptionType          string  `json:"option_type"`          // call | put
	Kind                string  `json:"kind"`
}

// OrderBook is the top of book for one instrument. Bid and ask levels are
// [price, amount] pairs, best first. Empty slices signal no liquidity on
// that side. MarkIV is the mark implied volatility as a decimal fraction.
type OrderBook struct {
	InstrumentName string       `json:"instrument_name"`
	Bids           [][2]float64 `json:"bids"`
	Asks           [][2]float64 `json:"asks"`
	MarkIV         float64      `json:"mark_iv"`
	IndexPrice     float64      `json:"index_price"`
}

// BestBid returns the highest bid price, or false when the bid side is empty.
func (b *OrderBook) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0][0], true
}

// BestAsk returns the lowest ask price, or false when the ask side is empty.
func (b *OrderBook) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0][0], true
}

// chartData is the tradingview chart payload. Close prices are ordered
// oldest to newest.
type chartData struct {
	Status string    `json:"status"`
	Close  []float64 `json:"close"`
}

// Order is the exchange's view of a placed order.
type Order struct {
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	OrderState     string  `json:"order_state"`
	Label          string  `json:"label"`
}

// orderResult wraps the private/buy and private/sell response envelope.
type orderResult struct {
	Order Order `json:"order"`
}

// Position is one open position as reported by the exchange account.
// The bot never mutates positions directly; it only issues closing orders
// and observes the effect on the next query.
type Position struct {
	InstrumentName string  `json:"instrument_name"`
	Size           float64 `json:"size"`
	Direction      string  `json:"direction"` // buy | sell
	AveragePrice   float64 `json:"average_price"`
	MarkPrice      float64 `json:"mark_price"`
	FloatingPnL    float64 `json:"floating_profit_loss"`
	Kind           string  `json:"kind"`
}

// AccountSummary reports per-currency account equity.
type AccountSummary struct {
	Currency       string  `json:"currency"`
	Equity         float64 `json:"equity"`
	EquityUSD      float64 `json:"equity_usd"`
	AvailableFunds float64 `json:"available_funds"`
}
