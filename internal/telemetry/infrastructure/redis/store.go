package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	telemetry "microgrid-ledger/internal/telemetry/domain"
)

const defaultKeyPrefix = "telemetry"

// Store keeps readings in one sorted set per device, scored by unix milliseconds.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithRetention trims readings older than d on append. Zero keeps everything.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// NewStore constructs a store.
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	store := &Store{client: client, keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) key(deviceID string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, deviceID)
}

// Latest returns the newest reading.
func (s *Store) Latest(ctx context.Context, deviceID string) (*telemetry.Reading, error) {
	if deviceID == "" {
		return nil, telemetry.ErrEmptyDeviceID
	}
	members, err := s.client.ZRevRange(ctx, s.key(deviceID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("telemetry store: latest: %w", err)
	}
	return first(members)
}

// Earliest returns the oldest retained reading.
func (s *Store) Earliest(ctx context.Context, deviceID string) (*telemetry.Reading, error) {
	if deviceID == "" {
		return nil, telemetry.ErrEmptyDeviceID
	}
	members, err := s.client.ZRange(ctx, s.key(deviceID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("telemetry store: earliest: %w", err)
	}
	return first(members)
}

// Range returns readings within [start, end).
func (s *Store) Range(ctx context.Context, deviceID string, start, end time.Time) ([]telemetry.Reading, error) {
	if deviceID == "" {
		return nil, telemetry.ErrEmptyDeviceID
	}
	if !end.After(start) {
		return nil, nil
	}
	members, err := s.client.ZRangeByScore(ctx, s.key(deviceID), &goredis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("telemetry store: range: %w", err)
	}
	readings := make([]telemetry.Reading, 0, len(members))
	for _, member := range members {
		reading, err := decode(member)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	return readings, nil
}

// Append adds a reading and trims by retention in the same transaction.
func (s *Store) Append(ctx context.Context, reading telemetry.Reading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	reading.At = reading.At.UTC()
	payload, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	key := s.key(reading.DeviceID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, key, goredis.Z{Score: float64(reading.At.UnixMilli()), Member: payload})
		if s.retention > 0 {
			cutoff := reading.At.Add(-s.retention).UnixMilli()
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("telemetry store: append: %w", err)
	}
	return nil
}

func first(members []string) (*telemetry.Reading, error) {
	if len(members) == 0 {
		return nil, nil
	}
	return decode(members[0])
}

func decode(member string) (*telemetry.Reading, error) {
	var reading telemetry.Reading
	if err := json.Unmarshal([]byte(member), &reading); err != nil {
		return nil, errors.Join(telemetry.ErrInvalidReading, err)
	}
	reading.At = reading.At.UTC()
	return &reading, nil
}
