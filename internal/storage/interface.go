package storage

import (
	"github.com/afontaine/volarb/internal/models"
)

// Interface defines the contract for trade-journal persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe.
type Interface interface {
	// Spread lifecycle
	RecordSpread(order models.SpreadOrder) error
	UpdateSpread(order models.SpreadOrder) error
	UnresolvedSpreads() []models.SpreadOrder
	Spreads() []models.SpreadOrder

	// Position closes
	RecordClose(action models.CloseAction, pnl float64) error
	Closes() []models.CloseAction

	// Analytics
	GetStatistics() Statistics
	GetDailyPnL(date string) float64

	// Persistence
	Save() error
	Load() error
}

// NewStorage creates a new storage implementation (currently JSON-based).
func NewStorage(path string) (Interface, error) {
	return NewJSONStorage(path)
}

// Ensure JSONStorage implements Interface.
var _ Interface = (*JSONStorage)(nil)
