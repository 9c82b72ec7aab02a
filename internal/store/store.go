// Package store provides crash-safe position persistence using JSON files.
//
// Each stock's position is stored as a separate file: pos_<stockCode>.json,
// with the simulated account snapshot in account.json. Writes use atomic
// file replacement (write to .tmp, then rename) to prevent corruption from
// partial writes or crashes mid-save. The engine calls SavePosition after
// each fill, and LoadPositions on startup to restore state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"kats-trader/internal/order"
)

// AccountSnapshot is the persisted paper-account state.
type AccountSnapshot struct {
	Cash        int64 `json:"cash"`
	RealizedPnL int64 `json:"realized_pnl"`
}

// Store persists positions to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string // directory containing pos_*.json files
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SavePosition atomically persists the current position for a stock.
// It writes to a .tmp file first, then renames over the target to ensure
// the file is never left in a partial state (crash-safe).
func (s *Store) SavePosition(pos order.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON("pos_"+pos.StockCode+".json", pos)
}

// DeletePosition removes the file for a closed position.
func (s *Store) DeletePosition(stockCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, "pos_"+stockCode+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// LoadPosition restores the position for one stock from disk.
// Returns nil, nil if no saved position exists.
func (s *Store) LoadPosition(stockCode string) (*order.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos order.Position
	ok, err := s.readJSON("pos_"+stockCode+".json", &pos)
	if err != nil || !ok {
		return nil, err
	}
	return &pos, nil
}

// LoadPositions restores every saved position.
func (s *Store) LoadPositions() ([]order.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var positions []order.Position
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pos_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var pos order.Position
		if _, err := s.readJSON(name, &pos); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// SaveAccount atomically persists the paper-account snapshot.
func (s *Store) SaveAccount(snap AccountSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON("account.json", snap)
}

// LoadAccount restores the paper-account snapshot.
// Returns nil, nil when none has been saved yet.
func (s *Store) LoadAccount() (*AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap AccountSnapshot
	ok, err := s.readJSON("account.json", &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) readJSON(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
