package models

import "time"

// ExitReason labels why a position was closed. The lifecycle manager
// evaluates its rules in a fixed order and the last one that fires wins;
// close_to_expiry sits last, so proximity to expiry always overrides a
// P&L-based exit.
type ExitReason string

const (
	// ExitReasonCloseToExpiry closes regardless of P&L when expiry is near
	ExitReasonCloseToExpiry ExitReason = "close_to_expiry"
	// ExitReasonTakeProfit closes when the profit target is reached
	ExitReasonTakeProfit ExitReason = "take_profit"
	// ExitReasonStopLoss closes when the loss limit is breached
	ExitReasonStopLoss ExitReason = "stop_loss"
)

// CloseAction records one closing order issued by the position lifecycle
// review.
type CloseAction struct {
	Instrument string     `json:"instrument"`
	Reason     ExitReason `json:"reason"`
	PnLPct     float64    `json:"pnl_pct"`
	Size       float64    `json:"size"`
	OrderID    string     `json:"order_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
