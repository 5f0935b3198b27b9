package models

// Direction indicates which side of the volatility mispricing a candidate
// sits on: sell when implied volatility is rich versus realized, buy when
// it is cheap.
type Direction string

const (
	// DirectionSell marks an overpriced option (IV/HV above the high threshold)
	DirectionSell Direction = "sell"
	// DirectionBuy marks an underpriced option (IV/HV below the low threshold)
	DirectionBuy Direction = "buy"
)

// Opportunity is one qualifying instrument from a volatility scan.
// Opportunities are ephemeral: they are rebuilt from fresh quotes on every
// scan and never persisted.
type Opportunity struct {
	Instrument    Instrument
	Direction     Direction
	ImpliedVol    float64
	HistoricalVol float64
	// Ratio is ImpliedVol / HistoricalVol, the ranking key.
	Ratio        float64
	DaysToExpiry int
}
