package settlement

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
)

// resolvedMarket builds a resolved two-outcome market backed by a funded
// escrow: bob holds 100 winning and 50 losing shares, the pool carries
// reserves [400, 625] plus 10 in fees, all owned by alice.
func resolvedMarket(t *testing.T, lgr *ledger.Ledger) *domain.Market {
	t.Helper()
	now := time.Now().UTC()
	m := &domain.Market{
		ID:             "m1",
		Outcomes:       []string{"yes", "no"},
		Status:         domain.MarketStatusResolved,
		WinningOutcome: 0,
		Pool: domain.Pool{
			Reserves:    []float64{400, 625},
			FeeReserve:  10,
			TotalShares: 1000,
			LPShares:    map[string]float64{"alice": 1000},
		},
		Holdings:   map[string][]float64{"bob": {100, 50}},
		Deposits:   map[string]float64{"alice": 1000, "bob": 135},
		ResolvedAt: &now,
	}
	// 1000 seeded + 125 cost + 10 fee from bob's trades.
	require.NoError(t, lgr.Credit(m.EscrowAddress(), 1135))
	return m
}

func TestRedeemWinner(t *testing.T) {
	lgr := ledger.New()
	svc := NewService(lgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := resolvedMarket(t, lgr)

	paid, err := svc.Redeem(m, "bob", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, paid, "winning shares pay 1:1")
	assert.Equal(t, 100.0, lgr.Balance("bob"))
	assert.Equal(t, 1035.0, lgr.Balance(m.EscrowAddress()))
	assert.Equal(t, 0.0, m.Holding("bob", 0))
}

func TestRedeemLoser(t *testing.T) {
	lgr := ledger.New()
	svc := NewService(lgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := resolvedMarket(t, lgr)

	paid, err := svc.Redeem(m, "bob", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 0.0, paid, "losing shares pay nothing")
	assert.Equal(t, 0.0, lgr.Balance("bob"))
	assert.Equal(t, 0.0, m.Holding("bob", 1), "but the position is closed out")
}

func TestRedeemValidation(t *testing.T) {
	lgr := ledger.New()
	svc := NewService(lgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := resolvedMarket(t, lgr)

	_, err := svc.Redeem(m, "bob", 0, 150)
	assert.ErrorIs(t, err, domain.ErrInsufficientHolding)

	_, err = svc.Redeem(m, "bob", 5, 10)
	assert.ErrorIs(t, err, domain.ErrUnknownOutcome)

	_, err = svc.Redeem(m, "bob", 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	m.Status = domain.MarketStatusActive
	_, err = svc.Redeem(m, "bob", 0, 100)
	assert.ErrorIs(t, err, domain.ErrWrongMarketStatus)
}

func TestSettleLP(t *testing.T) {
	lgr := ledger.New()
	svc := NewService(lgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := resolvedMarket(t, lgr)
	m.Pool.LPShares = map[string]float64{"alice": 750, "carol": 250}

	paid, err := svc.SettleLP(m)
	require.NoError(t, err)

	// Settlement value is the winning reserve plus fees: 400 + 10 = 410.
	assert.InDelta(t, 307.5, paid["alice"], 1e-9)
	assert.InDelta(t, 102.5, paid["carol"], 1e-9)
	assert.InDelta(t, 307.5, lgr.Balance("alice"), 1e-9)
	assert.InDelta(t, 102.5, lgr.Balance("carol"), 1e-9)

	assert.True(t, m.LPSettled)
	assert.Equal(t, []float64{0, 0}, m.Pool.Reserves)
	assert.Equal(t, 0.0, m.Pool.FeeReserve)
	assert.Equal(t, 0.0, m.Pool.TotalShares)
	assert.Empty(t, m.Pool.LPShares)

	// Second call is a no-op.
	paid, err = svc.SettleLP(m)
	require.NoError(t, err)
	assert.Nil(t, paid)
	assert.InDelta(t, 307.5, lgr.Balance("alice"), 1e-9)
}

func TestSettleLPWrongStatus(t *testing.T) {
	lgr := ledger.New()
	svc := NewService(lgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := resolvedMarket(t, lgr)
	m.Status = domain.MarketStatusClosed

	_, err := svc.SettleLP(m)
	assert.ErrorIs(t, err, domain.ErrWrongMarketStatus)
}

func TestPayoutBeyondEscrowIsInvariant(t *testing.T) {
	lgr := ledger.New()
	svc := NewService(lgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := resolvedMarket(t, lgr)

	// Books claim far more than the escrow ever collected.
	m.Holdings["bob"] = []float64{5000, 0}

	_, err := svc.Redeem(m, "bob", 0, 5000)
	var inv *domain.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.ErrorIs(t, err, domain.ErrSettlementInvariant)
	assert.Equal(t, "m1", inv.Entity)
}

func TestPayoutClampsFloatDust(t *testing.T) {
	lgr := ledger.New()
	svc := NewService(lgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := resolvedMarket(t, lgr)

	// Escrow short by less than the settlement epsilon: treated as dust.
	escrow := lgr.Balance(m.EscrowAddress())
	require.NoError(t, lgr.Debit(m.EscrowAddress(), escrow))
	require.NoError(t, lgr.Credit(m.EscrowAddress(), 100-1e-9))

	paid, err := svc.Redeem(m, "bob", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, paid)
	assert.InDelta(t, 100.0, lgr.Balance("bob"), 1e-6)
}
