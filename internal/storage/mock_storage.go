package storage

import (
	"fmt"

	"github.com/afontaine/volarb/internal/models"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	saveError     error
	loadError     error
	spreads       []models.SpreadOrder
	closes        []models.CloseAction
	dailyPnL      map[string]float64
	statistics    Statistics
	saveCallCount int
	loadCallCount int
}

// NewMockStorage creates a new mock storage for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		dailyPnL: make(map[string]float64),
	}
}

// SetSaveError makes subsequent Save calls fail with err.
func (m *MockStorage) SetSaveError(err error) { m.saveError = err }

func (m *MockStorage) RecordSpread(order models.SpreadOrder) error {
	for _, existing := range m.spreads {
		if existing.ID == order.ID {
			return fmt.Errorf("spread %s already recorded", order.ID)
		}
	}
	m.spreads = append(m.spreads, order)
	return m.saveError
}

func (m *MockStorage) UpdateSpread(order models.SpreadOrder) error {
	for i, existing := range m.spreads {
		if existing.ID == order.ID {
			m.spreads[i] = order
			return m.saveError
		}
	}
	return fmt.Errorf("updating spread %s: %w", order.ID, ErrNotFound)
}

func (m *MockStorage) UnresolvedSpreads() []models.SpreadOrder {
	var out []models.SpreadOrder
	for _, order := range m.spreads {
		if !order.State.Terminal() {
			out = append(out, order)
		}
	}
	return out
}

func (m *MockStorage) Spreads() []models.SpreadOrder {
	out := make([]models.SpreadOrder, len(m.spreads))
	copy(out, m.spreads)
	return out
}

func (m *MockStorage) RecordClose(action models.CloseAction, pnl float64) error {
	m.closes = append(m.closes, action)
	m.dailyPnL[action.Timestamp.Format("2006-01-02")] += pnl
	m.statistics.TotalTrades++
	m.statistics.TotalPnL += pnl
	if pnl > 0 {
		m.statistics.WinningTrades++
	} else if pnl < 0 {
		m.statistics.LosingTrades++
	}
	return m.saveError
}

func (m *MockStorage) Closes() []models.CloseAction {
	out := make([]models.CloseAction, len(m.closes))
	copy(out, m.closes)
	return out
}

func (m *MockStorage) GetStatistics() Statistics { return m.statistics }

func (m *MockStorage) GetDailyPnL(date string) float64 { return m.dailyPnL[date] }

func (m *MockStorage) Save() error {
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.loadCallCount++
	return m.loadError
}

// Ensure MockStorage implements Interface.
var _ Interface = (*MockStorage)(nil)
