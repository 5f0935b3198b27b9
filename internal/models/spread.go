package models

import (
	"fmt"
	"time"
)

// SpreadKind identifies one of the four vertical spread variants.
type SpreadKind string

const (
	// SpreadBullCall buys the lower-strike call and sells the higher-strike call
	SpreadBullCall SpreadKind = "bull_call"
	// SpreadBearCall buys the higher-strike call and sells the lower-strike call
	SpreadBearCall SpreadKind = "bear_call"
	// SpreadBullPut buys the higher-strike put and sells the lower-strike put
	SpreadBullPut SpreadKind = "bull_put"
	// SpreadBearPut buys the lower-strike put and sells the higher-strike put
	SpreadBearPut SpreadKind = "bear_put"
)

// Valid returns true if the SpreadKind is one of the defined constants.
func (k SpreadKind) Valid() bool {
	switch k {
	case SpreadBullCall, SpreadBearCall, SpreadBullPut, SpreadBearPut:
		return true
	default:
		return false
	}
}

// OrderType is the exchange order type used for a leg.
type OrderType string

const (
	// OrderTypeLimit places a resting order at a target price
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket takes whatever the book offers
	OrderTypeMarket OrderType = "market"
)

// SpreadLeg is one side of a vertical spread. Amount is signed:
// positive buys, negative sells.
type SpreadLeg struct {
	Instrument  Instrument `json:"instrument"`
	Amount      float64    `json:"amount"`
	OrderType   OrderType  `json:"order_type"`
	TargetPrice float64    `json:"target_price"`
	OrderID     string     `json:"order_id,omitempty"`
}

// SpreadState tracks how far a two-leg commit has progressed. The state is
// persisted before the first leg is placed so that a restart can detect and
// resolve a half-placed spread.
type SpreadState string

const (
	// SpreadStatePending means the intent is recorded but no leg is placed yet
	SpreadStatePending SpreadState = "pending"
	// SpreadStateBuyFilled means the buy leg is placed, the sell leg is not
	SpreadStateBuyFilled SpreadState = "buy_filled"
	// SpreadStateComplete means both legs are placed
	SpreadStateComplete SpreadState = "complete"
	// SpreadStateCompensating means the sell leg failed and a cancel of the
	// buy leg is in flight
	SpreadStateCompensating SpreadState = "compensating"
	// SpreadStateCompensated means the buy leg was canceled successfully
	SpreadStateCompensated SpreadState = "compensated"
	// SpreadStateNaked means the cancel failed and a single-leg position may
	// remain on the account; requires manual reconciliation
	SpreadStateNaked SpreadState = "naked"
)

// spreadTransitions enumerates the legal state progressions.
var spreadTransitions = map[SpreadState][]SpreadState{
	SpreadStatePending:      {SpreadStateBuyFilled, SpreadStateCompensated},
	SpreadStateBuyFilled:    {SpreadStateComplete, SpreadStateCompensating},
	SpreadStateCompensating: {SpreadStateCompensated, SpreadStateNaked},
}

// Terminal reports whether no further transition is expected from s.
func (s SpreadState) Terminal() bool {
	switch s {
	case SpreadStateComplete, SpreadStateCompensated, SpreadStateNaked:
		return true
	default:
		return false
	}
}

// SpreadOrder records one attempted (and possibly partially executed)
// vertical spread.
type SpreadOrder struct {
	ID        string      `json:"id"`
	Kind      SpreadKind  `json:"kind"`
	Currency  string      `json:"currency"`
	BuyLeg    SpreadLeg   `json:"buy_leg"`
	SellLeg   SpreadLeg   `json:"sell_leg"`
	NetCost   float64     `json:"net_cost"`
	Size      float64     `json:"size"`
	State     SpreadState `json:"state"`
	Timestamp time.Time   `json:"timestamp"`
}

// Transition moves the spread to a new state, rejecting illegal jumps such
// as complete -> compensating.
func (o *SpreadOrder) Transition(to SpreadState) error {
	for _, allowed := range spreadTransitions[o.State] {
		if allowed == to {
			o.State = to
			return nil
		}
	}
	return fmt.Errorf("spread %s: illegal state transition %s -> %s", o.ID, o.State, to)
}
