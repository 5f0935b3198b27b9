// Package models defines the domain types shared across the trading bot:
// option instruments, scan opportunities, vertical spreads and close actions.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionKind represents the type of option contract.
type OptionKind string

const (
	// OptionKindCall represents a call option contract
	OptionKindCall OptionKind = "call"
	// OptionKindPut represents a put option contract
	OptionKindPut OptionKind = "put"
)

// Valid returns true if the OptionKind is one of the defined constants.
func (k OptionKind) Valid() bool {
	return k == OptionKindCall || k == OptionKindPut
}

// Suffix returns the single-letter instrument-name suffix for the kind.
func (k OptionKind) Suffix() string {
	if k == OptionKindPut {
		return "P"
	}
	return "C"
}

// expiryLayout is the Deribit expiry date layout (DDMonYY, no leading zero).
const expiryLayout = "2Jan06"

// Instrument identifies a single option contract. It round-trips exactly
// through the Deribit instrument-name encoding {CCY}-{DDMonYY}-{STRIKE}-{C|P},
// e.g. BTC-30JUN23-25000-C.
type Instrument struct {
	Currency string
	Expiry   time.Time
	Strike   float64
	Kind     OptionKind
}

// Name encodes the instrument as its exchange identifier.
func (i Instrument) Name() string {
	return fmt.Sprintf("%s-%s-%s-%s",
		i.Currency,
		strings.ToUpper(i.Expiry.Format(expiryLayout)),
		strconv.FormatFloat(i.Strike, 'f', -1, 64),
		i.Kind.Suffix())
}

// DaysToExpiry returns the whole days between now and the expiry date.
// Both sides are truncated to UTC days, matching exchange DTE conventions.
// The result is negative for expired instruments.
func (i Instrument) DaysToExpiry(now time.Time) int {
	n := now.UTC().Truncate(24 * time.Hour)
	e := i.Expiry.UTC().Truncate(24 * time.Hour)
	return int(e.Sub(n).Hours() / 24)
}

// ParseInstrument decodes an exchange instrument name into an Instrument.
func ParseInstrument(name string) (Instrument, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return Instrument{}, fmt.Errorf("instrument %q: expected 4 dash-separated fields, got %d", name, len(parts))
	}

	expiry, err := ParseExpiry(parts[1])
	if err != nil {
		return Instrument{}, fmt.Errorf("instrument %q: %w", name, err)
	}

	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || strike <= 0 {
		return Instrument{}, fmt.Errorf("instrument %q: invalid strike %q", name, parts[2])
	}

	var kind OptionKind
	switch parts[3] {
	case "C":
		kind = OptionKindCall
	case "P":
		kind = OptionKindPut
	default:
		return Instrument{}, fmt.Errorf("instrument %q: invalid option kind %q", name, parts[3])
	}

	return Instrument{
		Currency: parts[0],
		Expiry:   expiry,
		Strike:   strike,
		Kind:     kind,
	}, nil
}

// ParseExpiry decodes a DDMonYY expiry field such as 30JUN23 or 5JAN24.
func ParseExpiry(field string) (time.Time, error) {
	if len(field) < 6 {
		return time.Time{}, fmt.Errorf("invalid expiry %q", field)
	}
	// time.Parse wants Jan, the exchange sends JUN
	mon := field[len(field)-5 : len(field)-2]
	normalized := field[:len(field)-5] + mon[:1] + strings.ToLower(mon[1:]) + field[len(field)-2:]
	t, err := time.Parse(expiryLayout, normalized)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", field, err)
	}
	return t, nil
}

// IsOptionName reports whether an instrument name denotes an option contract.
// Futures and perpetuals never carry the -C/-P suffix.
func IsOptionName(name string) bool {
	return strings.HasSuffix(name, "-C") || strings.HasSuffix(name, "-P")
}
