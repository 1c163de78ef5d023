// Package store persists per-strategy engine state. Snapshots are JSON files
// written atomically (temp file + rename) so a crash mid-write never leaves a
// partially-written record; trade history goes to sqlite (trades.go).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-hedge/internal/core"
)

const saveRetries = 3

// Snapshot is the persisted record of one strategy: enough to survive a
// restart without losing or duplicating exposure.
type Snapshot struct {
	StrategyID      string                   `json:"strategy_id"`
	Symbol          string                   `json:"symbol"`
	Low             decimal.Decimal          `json:"low"`
	High            decimal.Decimal          `json:"high"`
	GridNumber      int                      `json:"grid_number"`
	GridType        core.GridType            `json:"grid_type"`
	Levels          []core.GridLevel         `json:"grid_levels"`
	Positions       map[string]core.Position `json:"positions"`
	HedgeLinks      []core.HedgeLink         `json:"hedge_links"`
	RecentTrades    []core.Trade             `json:"recent_trades"`
	TotalProfit     decimal.Decimal          `json:"total_profit"`
	CompletedTrades int                      `json:"completed_trades"`
	Status          string                   `json:"status"`
	StatusReason    string                   `json:"status_reason,omitempty"`
	LastTickAt      time.Time                `json:"last_tick_ts"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// SystemStatus is the engine-level record refreshed periodically.
type SystemStatus struct {
	InstanceID    string    `json:"instance_id"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	StrategyCount int       `json:"strategy_count"`
	Running       bool      `json:"running"`
}

// Store writes snapshots under a state directory, one file per strategy.
// Writes for a given strategy id are serialized.
type Store struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		root:   root,
		logger: logger.Named("store"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(strategyID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[strategyID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[strategyID] = l
	}
	return l
}

// Save writes the snapshot atomically, retrying briefly before escalating
// ErrPersistence. Continuing without durable state risks double exposure, so
// callers treat the escalated error as fatal.
func (s *Store) Save(snap Snapshot) error {
	if snap.StrategyID == "" {
		return fmt.Errorf("%w: snapshot without strategy id", core.ErrPersistence)
	}
	snap.UpdatedAt = time.Now().UTC()

	l := s.lockFor(snap.StrategyID)
	l.Lock()
	defer l.Unlock()

	var err error
	for attempt := 0; attempt < saveRetries; attempt++ {
		if err = writeJSONAtomic(s.snapshotPath(snap.StrategyID), snap); err == nil {
			return nil
		}
		s.logger.Warn("snapshot write failed",
			zap.String("strategy_id", snap.StrategyID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return fmt.Errorf("%w: save %s: %v", core.ErrPersistence, snap.StrategyID, err)
}

// Load reads the snapshot for a strategy. The second return is false when no
// record exists.
func (s *Store) Load(strategyID string) (Snapshot, bool, error) {
	data, err := os.ReadFile(s.snapshotPath(strategyID))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("%w: load %s: %v", core.ErrPersistence, strategyID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: decode %s: %v", core.ErrPersistence, strategyID, err)
	}
	return snap, true, nil
}

// Purge removes the persisted record of a strategy.
func (s *Store) Purge(strategyID string) error {
	l := s.lockFor(strategyID)
	l.Lock()
	defer l.Unlock()
	err := os.Remove(s.snapshotPath(strategyID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: purge %s: %v", core.ErrPersistence, strategyID, err)
	}
	return nil
}

func (s *Store) SaveSystemStatus(status SystemStatus) error {
	status.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(filepath.Join(s.root, "system_status.json"), status)
}

func (s *Store) snapshotPath(strategyID string) string {
	return filepath.Join(s.root, "grid_"+strategyID+".json")
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	// Best-effort directory fsync so the rename survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
