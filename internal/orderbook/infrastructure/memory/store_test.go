package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderbook "microgrid-ledger/internal/orderbook/domain"
)

func put(t *testing.T, store *Store, order orderbook.Order) {
	t.Helper()
	_, err := store.Update(context.Background(), order.OrderID, func(*orderbook.Order) (*orderbook.Order, error) {
		return &order, nil
	})
	require.NoError(t, err)
}

func TestStore_IndexMembershipFollowsRecord(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	put(t, store, orderbook.Order{OrderID: "o2", Owner: "alice", Side: orderbook.SideBid, Status: orderbook.StatusOpen, Quantity: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(1)})
	put(t, store, orderbook.Order{OrderID: "o1", Owner: "alice", Side: orderbook.SideBid, Status: orderbook.StatusOpen, Quantity: decimal.NewFromInt(3), UnitPrice: decimal.NewFromInt(1)})

	ids, err := store.IDs(ctx, orderbook.DimensionOwner, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, ids)

	_, err = store.Update(ctx, "o1", func(current *orderbook.Order) (*orderbook.Order, error) {
		next := *current
		next.Status = orderbook.StatusFilled
		next.Quantity = decimal.Zero
		return &next, nil
	})
	require.NoError(t, err)

	open, err := store.Count(ctx, orderbook.DimensionStatus, string(orderbook.StatusOpen))
	require.NoError(t, err)
	assert.Equal(t, 1, open)
	filled, err := store.IDs(ctx, orderbook.DimensionStatus, string(orderbook.StatusFilled))
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, filled)

	removed, err := store.Delete(ctx, "o2")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.Delete(ctx, "o2")
	require.NoError(t, err)
	assert.False(t, removed)

	bids, err := store.Count(ctx, orderbook.DimensionSide, string(orderbook.SideBid))
	require.NoError(t, err)
	assert.Equal(t, 1, bids)

	orders, err := store.GetMany(ctx, []string{"o1", "o2", "o3"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].OrderID)
}

func TestStore_NilMutationLeavesRecord(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	got, err := store.Update(ctx, "o1", func(current *orderbook.Order) (*orderbook.Order, error) {
		assert.Nil(t, current)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got)

	missing, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
