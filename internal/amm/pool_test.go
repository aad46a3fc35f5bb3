package amm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketd/internal/domain"
)

func seedPool(n int, liquidity, feeRate float64) *domain.Pool {
	p := &domain.Pool{}
	Seed(p, n, liquidity, feeRate, "lp")
	return p
}

func TestSeed(t *testing.T) {
	p := seedPool(2, 1000, 0.02)

	assert.Equal(t, []float64{500, 500}, p.Reserves)
	assert.Equal(t, 0.0, p.FeeReserve)
	assert.Equal(t, 0.02, p.FeeRate)
	assert.Equal(t, 1000.0, p.TotalShares)
	assert.Equal(t, map[string]float64{"lp": 1000}, p.LPShares)
	assert.InDelta(t, 250000.0, K(p), 1e-6)
}

func TestQuoteBuyTwoOutcomes(t *testing.T) {
	// (500-100)*(500+x) = 250000 => x = 125, cost = x for N=2.
	p := seedPool(2, 1000, 0)

	cost, fee, err := QuoteBuy(p, 0, 100)
	require.NoError(t, err)
	assert.InDelta(t, 125.0, cost, 1e-6)
	assert.Equal(t, 0.0, fee)

	ApplyBuy(p, 0, 100, cost, fee)
	assert.InDelta(t, 400.0, p.Reserves[0], 1e-6)
	assert.InDelta(t, 625.0, p.Reserves[1], 1e-6)
	assert.InDelta(t, 250000.0, K(p), 1e-3)
}

func TestBuyFeeOnTop(t *testing.T) {
	p := seedPool(2, 1000, 0.02)

	cost, fee, err := QuoteBuy(p, 0, 100)
	require.NoError(t, err)
	assert.InDelta(t, 125.0, cost, 1e-6)
	assert.InDelta(t, 2.5, fee, 1e-6)

	ApplyBuy(p, 0, 100, cost, fee)
	assert.InDelta(t, 2.5, p.FeeReserve, 1e-6)
	// Fees never enter the reserves.
	assert.InDelta(t, 1025.0, TVL(p), 1e-6)
}

func TestSellMirrorsBuy(t *testing.T) {
	p := seedPool(2, 1000, 0)

	cost, fee, err := QuoteBuy(p, 0, 100)
	require.NoError(t, err)
	ApplyBuy(p, 0, 100, cost, fee)

	proceeds, fee, err := QuoteSell(p, 0, 100)
	require.NoError(t, err)
	assert.InDelta(t, 125.0, proceeds, 1e-6)
	assert.Equal(t, 0.0, fee)

	ApplySell(p, 0, 100, proceeds, fee)
	assert.InDelta(t, 500.0, p.Reserves[0], 1e-6)
	assert.InDelta(t, 500.0, p.Reserves[1], 1e-6)
}

func TestKHeldAcrossTradesManyOutcomes(t *testing.T) {
	p := seedPool(4, 1200, 0.01)
	k0 := K(p)

	cost, fee, err := QuoteBuy(p, 2, 50)
	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)
	ApplyBuy(p, 2, 50, cost, fee)
	assert.InDelta(t, k0, K(p), k0*1e-9)

	proceeds, fee, err := QuoteSell(p, 1, 30)
	require.NoError(t, err)
	assert.Greater(t, proceeds, 0.0)
	ApplySell(p, 1, 30, proceeds, fee)
	assert.InDelta(t, k0, K(p), k0*1e-9)

	require.NoError(t, CheckInvariants(p, "m"))
}

func TestBuyValidation(t *testing.T) {
	p := seedPool(2, 1000, 0)

	_, _, err := QuoteBuy(p, 5, 10)
	assert.ErrorIs(t, err, domain.ErrUnknownOutcome)

	_, _, err = QuoteBuy(p, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, _, err = QuoteBuy(p, 0, 500)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded, "draining the reserve")
}

func TestPrices(t *testing.T) {
	p := seedPool(2, 1000, 0)
	prices := Prices(p)
	assert.InDelta(t, 0.5, prices[0], 1e-9)
	assert.InDelta(t, 0.5, prices[1], 1e-9)

	cost, fee, err := QuoteBuy(p, 0, 100)
	require.NoError(t, err)
	ApplyBuy(p, 0, 100, cost, fee)

	prices = Prices(p)
	var sum float64
	for _, pr := range prices {
		sum += pr
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, prices[0], prices[1], "scarcer outcome is pricier")
}

func TestAddRemoveLiquidityRoundTrip(t *testing.T) {
	p := seedPool(2, 1000, 0)

	minted, err := QuoteAddLiquidity(p, 500)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, minted, 1e-9)
	assert.InDelta(t, 1000.0, TVL(p), 1e-9, "quoting mutates nothing")

	ApplyAddLiquidity(p, "bob", 500, minted)
	assert.InDelta(t, 1500.0, TVL(p), 1e-9)
	assert.InDelta(t, 750.0, p.Reserves[0], 1e-9)
	assert.InDelta(t, 1500.0, p.TotalShares, 1e-9)

	payout, err := RemoveLiquidity(p, "bob", minted)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, payout, 1e-9)
	assert.InDelta(t, 1000.0, TVL(p), 1e-9)
	_, ok := p.LPShares["bob"]
	assert.False(t, ok)
}

func TestRemoveLiquidityIncludesFees(t *testing.T) {
	p := seedPool(2, 1000, 0.02)
	cost, fee, err := QuoteBuy(p, 0, 100)
	require.NoError(t, err)
	ApplyBuy(p, 0, 100, cost, fee)

	// Half the shares take half the reserves and half the fee pot.
	payout, err := RemoveLiquidity(p, "lp", 500)
	require.NoError(t, err)
	assert.InDelta(t, (1025.0+2.5)/2, payout, 1e-6)
	assert.InDelta(t, 1.25, p.FeeReserve, 1e-6)
}

func TestLastProviderDrainsPool(t *testing.T) {
	p := seedPool(2, 1000, 0.02)
	cost, fee, err := QuoteBuy(p, 0, 100)
	require.NoError(t, err)
	ApplyBuy(p, 0, 100, cost, fee)

	payout, err := RemoveLiquidity(p, "lp", 1000)
	require.NoError(t, err)
	assert.InDelta(t, 1027.5, payout, 1e-6)
	assert.Equal(t, []float64{0, 0}, p.Reserves)
	assert.Equal(t, 0.0, p.FeeReserve)
	assert.Equal(t, 0.0, p.TotalShares)
	assert.Empty(t, p.LPShares)
}

func TestRemoveLiquidityValidation(t *testing.T) {
	p := seedPool(2, 1000, 0)

	_, err := RemoveLiquidity(p, "lp", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = RemoveLiquidity(p, "lp", 2000)
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = RemoveLiquidity(p, "stranger", 10)
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestAddLiquidityIntoDrainedPool(t *testing.T) {
	p := seedPool(2, 1000, 0)
	_, err := RemoveLiquidity(p, "lp", 1000)
	require.NoError(t, err)

	_, err = QuoteAddLiquidity(p, 100)
	var inv *domain.InvariantError
	assert.ErrorAs(t, err, &inv)
}

func TestQuoteSellIntoEmptyPool(t *testing.T) {
	p := seedPool(2, 1000, 0)
	_, err := RemoveLiquidity(p, "lp", 1000)
	require.NoError(t, err)

	_, _, err = QuoteSell(p, 0, 50)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}

func TestRemoveDrainsPool(t *testing.T) {
	p := seedPool(2, 1000, 0)

	assert.True(t, RemoveDrainsPool(p, "lp", 1000))
	assert.True(t, RemoveDrainsPool(p, "lp", 5000), "over-asks clamp to the held balance")
	assert.False(t, RemoveDrainsPool(p, "lp", 400))
	assert.False(t, RemoveDrainsPool(p, "stranger", 10))

	minted, err := QuoteAddLiquidity(p, 500)
	require.NoError(t, err)
	ApplyAddLiquidity(p, "bob", 500, minted)
	assert.False(t, RemoveDrainsPool(p, "lp", 1000), "a second provider keeps the pool alive")
}

func TestCheckInvariants(t *testing.T) {
	p := seedPool(2, 1000, 0)
	require.NoError(t, CheckInvariants(p, "m"))

	p.Reserves[0] = -1
	assert.Error(t, CheckInvariants(p, "m"))

	p.Reserves[0] = math.NaN()
	assert.Error(t, CheckInvariants(p, "m"))

	p = seedPool(2, 1000, 0)
	p.FeeReserve = -0.1
	assert.Error(t, CheckInvariants(p, "m"))
}
