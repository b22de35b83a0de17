package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "microgrid-ledger/internal/telemetry/domain"
	"microgrid-ledger/internal/telemetry/infrastructure/redis"
)

func TestRedisStore_RangeAndRetention(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	store := redis.NewStore(client, redis.WithKeyPrefix("it-telemetry-"+uuid.NewString()), redis.WithRetention(48*time.Hour))
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	latest, err := store.Latest(ctx, "meter-a")
	require.NoError(t, err)
	assert.Nil(t, latest)

	for hour := 0; hour < 72; hour++ {
		require.NoError(t, store.Append(ctx, telemetry.Reading{
			DeviceID: "meter-a",
			At:       start.Add(time.Duration(hour) * time.Hour),
			ExportWh: float64(1000 + hour*100),
			ImportWh: float64(200 + hour*10),
		}))
	}

	latest, err = store.Latest(ctx, "meter-a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 8100.0, latest.ExportWh)

	earliest, err := store.Earliest(ctx, "meter-a")
	require.NoError(t, err)
	require.NotNil(t, earliest)
	assert.Equal(t, start.Add(23*time.Hour), earliest.At)

	window, err := store.Range(ctx, "meter-a", start.Add(30*time.Hour), start.Add(33*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, start.Add(30*time.Hour), window[0].At)

	assert.ErrorIs(t, store.Append(ctx, telemetry.Reading{At: start}), telemetry.ErrEmptyDeviceID)
}
