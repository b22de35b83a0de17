package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	telemetry "microgrid-ledger/internal/telemetry/domain"
)

// Store is an in-memory telemetry store.
type Store struct {
	mu       sync.RWMutex
	readings map[string][]telemetry.Reading
}

// NewStore constructs a store.
func NewStore() *Store {
	return &Store{readings: make(map[string][]telemetry.Reading)}
}

// Latest returns the newest reading.
func (s *Store) Latest(ctx context.Context, deviceID string) (*telemetry.Reading, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.readings[deviceID]
	if len(series) == 0 {
		return nil, nil
	}
	reading := series[len(series)-1]
	return &reading, nil
}

// Earliest returns the oldest reading.
func (s *Store) Earliest(ctx context.Context, deviceID string) (*telemetry.Reading, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.readings[deviceID]
	if len(series) == 0 {
		return nil, nil
	}
	reading := series[0]
	return &reading, nil
}

// Range returns readings within [start, end).
func (s *Store) Range(ctx context.Context, deviceID string, start, end time.Time) ([]telemetry.Reading, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []telemetry.Reading
	for _, reading := range s.readings[deviceID] {
		if reading.At.Before(start) || !reading.At.Before(end) {
			continue
		}
		result = append(result, reading)
	}
	return result, nil
}

// Append inserts a reading in time order.
func (s *Store) Append(ctx context.Context, reading telemetry.Reading) error {
	_ = ctx
	if err := reading.Validate(); err != nil {
		return err
	}
	reading.At = reading.At.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	series := append(s.readings[reading.DeviceID], reading)
	sort.SliceStable(series, func(i, j int) bool { return series[i].At.Before(series[j].At) })
	s.readings[reading.DeviceID] = series
	return nil
}
