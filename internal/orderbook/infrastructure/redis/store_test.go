package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderbook "microgrid-ledger/internal/orderbook/domain"
	"microgrid-ledger/internal/orderbook/infrastructure/redis"
)

func openStore(t *testing.T) *redis.Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return redis.NewStore(client, redis.WithKeyPrefix("it-orders-"+uuid.NewString()), redis.WithRetries(50))
}

func TestRedisStore_UpdateMovesIndices(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	order := orderbook.Order{
		OrderID:   "o1",
		Owner:     "alice",
		Side:      orderbook.SideAsk,
		Pair:      "ENERGY/TOKEN",
		Quantity:  decimal.NewFromInt(10),
		UnitPrice: decimal.RequireFromString("1.5"),
		Status:    orderbook.StatusOpen,
	}
	_, err := store.Update(ctx, "o1", func(*orderbook.Order) (*orderbook.Order, error) { return &order, nil })
	require.NoError(t, err)

	updated, err := store.Update(ctx, "o1", func(current *orderbook.Order) (*orderbook.Order, error) {
		next := *current
		next.Quantity = decimal.NewFromInt(4)
		next.Status = orderbook.StatusPartiallyFilled
		return &next, nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Quantity.Equal(decimal.NewFromInt(4)))

	open, err := store.Count(ctx, orderbook.DimensionStatus, string(orderbook.StatusOpen))
	require.NoError(t, err)
	assert.Zero(t, open)
	partial, err := store.IDs(ctx, orderbook.DimensionStatus, string(orderbook.StatusPartiallyFilled))
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, partial)

	removed, err := store.Delete(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, removed)
	asks, err := store.Count(ctx, orderbook.DimensionSide, string(orderbook.SideAsk))
	require.NoError(t, err)
	assert.Zero(t, asks)
}

func TestRedisStore_ConcurrentUpdatesAreSerialised(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	start := orderbook.Order{OrderID: "o2", Owner: "bob", Side: orderbook.SideBid, Quantity: decimal.NewFromInt(20), UnitPrice: decimal.NewFromInt(1), Status: orderbook.StatusOpen}
	_, err := store.Update(ctx, "o2", func(*orderbook.Order) (*orderbook.Order, error) { return &start, nil })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "o2", func(current *orderbook.Order) (*orderbook.Order, error) {
				next := *current
				next.Quantity = next.Quantity.Sub(decimal.NewFromInt(1))
				return &next, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "o2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(10)), got.Quantity.String())
}
