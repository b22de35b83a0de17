package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionFollowsLattice(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusOpen, true},
		{StatusOpen, StatusPartiallyFilled, true},
		{StatusOpen, StatusFilled, true},
		{StatusOpen, StatusCancelled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusCancelled, true},
		{StatusPartiallyFilled, StatusOpen, false},
		{StatusFilled, StatusOpen, false},
		{StatusFilled, StatusCancelled, false},
		{StatusCancelled, StatusPartiallyFilled, false},
		{StatusCancelled, StatusCancelled, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func validOrder() Order {
	return Order{
		OrderID:   "17",
		Owner:     "0xabc",
		Side:      SideAsk,
		Quantity:  decimal.NewFromInt(10),
		UnitPrice: decimal.RequireFromString("0.25"),
		Status:    StatusOpen,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validOrder().Validate())

	o := validOrder()
	o.Quantity = decimal.Zero
	assert.ErrorIs(t, o.Validate(), ErrInvalidQuantity)
	o.Status = StatusFilled
	assert.NoError(t, o.Validate())

	o = validOrder()
	o.UnitPrice = decimal.Zero
	assert.ErrorIs(t, o.Validate(), ErrInvalidPrice)

	o = validOrder()
	o.Side = "SELL"
	assert.ErrorIs(t, o.Validate(), ErrInvalidSide)

	o = validOrder()
	o.Owner = ""
	assert.ErrorIs(t, o.Validate(), ErrEmptyOwner)
}

func TestValidateAgainstPrior(t *testing.T) {
	prior := validOrder()

	next := prior
	next.Quantity = decimal.NewFromInt(11)
	assert.ErrorIs(t, next.ValidateAgainst(prior), ErrQuantityIncrease)

	next = prior
	next.Side = SideBid
	assert.ErrorIs(t, next.ValidateAgainst(prior), ErrSideChanged)

	filled := prior
	filled.Status = StatusFilled
	reopened := filled
	reopened.Status = StatusOpen
	assert.ErrorIs(t, reopened.ValidateAgainst(filled), ErrInvalidTransition)

	next = prior
	next.Quantity = decimal.NewFromInt(4)
	next.Status = StatusPartiallyFilled
	assert.NoError(t, next.ValidateAgainst(prior))
}

func TestRecompute(t *testing.T) {
	o := validOrder()
	o.Recompute()
	assert.True(t, o.TotalValue.Equal(decimal.RequireFromString("2.5")))
}

func TestFilterPrimaryPriority(t *testing.T) {
	dim, value, ok := Filter{Side: SideBid, Owner: "0xabc", Status: StatusOpen}.Primary()
	require.True(t, ok)
	assert.Equal(t, DimensionOwner, dim)
	assert.Equal(t, "0xabc", value)

	dim, _, _ = Filter{Side: SideBid, Status: StatusOpen}.Primary()
	assert.Equal(t, DimensionStatus, dim)

	dim, _, _ = Filter{Side: SideBid}.Primary()
	assert.Equal(t, DimensionSide, dim)

	_, _, ok = Filter{Pair: "ENERGY/TOKEN"}.Primary()
	assert.False(t, ok)
}

func TestFilterMatches(t *testing.T) {
	o := validOrder()
	low := decimal.RequireFromString("0.2")
	high := decimal.RequireFromString("0.3")
	tooHigh := decimal.RequireFromString("0.1")
	big := decimal.NewFromInt(20)

	assert.True(t, Filter{Side: SideAsk, MinPrice: &low, MaxPrice: &high}.Matches(o))
	assert.False(t, Filter{Side: SideAsk, MaxPrice: &tooHigh}.Matches(o))
	assert.False(t, Filter{Side: SideAsk, MinQuantity: &big}.Matches(o))
	assert.False(t, Filter{Status: StatusFilled}.Matches(o))
}
