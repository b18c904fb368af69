// Package pricecache journals refreshed price quotes so fresh entries survive restarts.
package pricecache

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/xdc-intel/transferscan/internal/domain"
)

const (
	DefaultDir   = "./wal/prices"
	segmentLimit = 500
	maxSegments  = 5

	priceKeyPrefix = "price_"
)

// WALStore persists price entries in a WAL. The last entry per symbol wins on replay.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed price journal.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "prices_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init price WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends the entry to the journal.
func (s *WALStore) Save(entry domain.PriceEntry) error {
	if s == nil || s.wal == nil {
		return errors.New("price store is not initialized")
	}
	if entry.Symbol == "" {
		return errors.New("price entry symbol is required")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal price entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, priceKeyPrefix+entry.Symbol, payload)
}

// Load replays the journal and returns the latest entry per symbol.
func (s *WALStore) Load() (map[string]domain.PriceEntry, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("price store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.PriceEntry)
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, priceKeyPrefix) {
			continue
		}

		var entry domain.PriceEntry
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			return nil, errors.Wrapf(err, "decode price entry %s", msg.Key)
		}

		prev, ok := out[entry.Symbol]
		if !ok || !entry.FetchedAt.Before(prev.FetchedAt) {
			out[entry.Symbol] = entry
		}
	}

	return out, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("price store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
