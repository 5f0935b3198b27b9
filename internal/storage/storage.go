package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/afontaine/volarb/internal/models"
)

// JSONStorage persists the trade journal to a single JSON file. Every
// mutation rewrites the file through a temp-file-plus-rename so a crash
// mid-write never leaves a truncated journal behind.
type JSONStorage struct {
	mu   sync.RWMutex
	path string
	data *journal
}

type journal struct {
	Spreads     []models.SpreadOrder `json:"spreads"`
	Closes      []models.CloseAction `json:"closes"`
	DailyPnL    map[string]float64   `json:"daily_pnl"`
	Statistics  *Statistics          `json:"statistics"`
	LastUpdated time.Time            `json:"last_updated"`
}

// Statistics aggregates closed-trade outcomes.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	CurrentStreak int     `json:"current_streak"`
}

// NewJSONStorage opens (or creates) the journal at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		path: path,
		data: &journal{
			DailyPnL:   make(map[string]float64),
			Statistics: &Statistics{},
		},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading journal: %w", err)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	return s, nil
}

// Load replaces the in-memory journal with the file contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, s.data); err != nil {
		return err
	}
	if s.data.DailyPnL == nil {
		s.data.DailyPnL = make(map[string]float64)
	}
	if s.data.Statistics == nil {
		s.data.Statistics = &Statistics{}
	}
	return nil
}

// Save writes the journal to disk atomically.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// RecordSpread appends a spread order to the journal and persists it.
// Called with state pending before the first leg goes out, so the intent
// survives a crash between the two legs.
func (s *JSONStorage) RecordSpread(order models.SpreadOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Spreads {
		if existing.ID == order.ID {
			return fmt.Errorf("spread %s already recorded", order.ID)
		}
	}
	s.data.Spreads = append(s.data.Spreads, order)
	return s.saveLocked()
}

// UpdateSpread replaces the stored copy of a spread order, keyed by ID.
func (s *JSONStorage) UpdateSpread(order models.SpreadOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.data.Spreads {
		if existing.ID == order.ID {
			s.data.Spreads[i] = order
			return s.saveLocked()
		}
	}
	return fmt.Errorf("updating spread %s: %w", order.ID, ErrNotFound)
}

// UnresolvedSpreads returns the spreads whose state machine never reached a
// terminal state. A non-empty result after startup means a previous run died
// mid-commit.
func (s *JSONStorage) UnresolvedSpreads() []models.SpreadOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SpreadOrder
	for _, order := range s.data.Spreads {
		if !order.State.Terminal() {
			out = append(out, order)
		}
	}
	return out
}

// Spreads returns a copy of the full spread history.
func (s *JSONStorage) Spreads() []models.SpreadOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SpreadOrder, len(s.data.Spreads))
	copy(out, s.data.Spreads)
	return out
}

// RecordClose journals a position close, folds its P&L into the daily totals
// and statistics, and persists.
func (s *JSONStorage) RecordClose(action models.CloseAction, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Closes = append(s.data.Closes, action)
	day := action.Timestamp.Format("2006-01-02")
	s.data.DailyPnL[day] += pnl
	s.updateStatistics(pnl)
	return s.saveLocked()
}

// Closes returns a copy of the close-action history.
func (s *JSONStorage) Closes() []models.CloseAction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.CloseAction, len(s.data.Closes))
	copy(out, s.data.Closes)
	return out
}

// GetStatistics returns a snapshot of the aggregate trade statistics.
func (s *JSONStorage) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.data.Statistics
}

// GetDailyPnL returns the realized P&L recorded for a YYYY-MM-DD date.
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

func (s *JSONStorage) updateStatistics(pnl float64) {
	stats := s.data.Statistics
	stats.TotalTrades++
	stats.TotalPnL += pnl

	switch {
	case pnl > 0:
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		n := float64(stats.WinningTrades)
		stats.AverageWin = stats.AverageWin*(n-1)/n + pnl/n
	case pnl < 0:
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		n := float64(stats.LosingTrades)
		stats.AverageLoss = stats.AverageLoss*(n-1)/n + pnl/n
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
}
