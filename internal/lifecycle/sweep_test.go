package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/settlement"
)

func TestSweepDrivesTransitionsAndLPSettlement(t *testing.T) {
	ctl, lgr, clk := newTestController(t, Config{
		MinLaunchLiquidity: 100,
		ViabilityThreshold: 500,
		Resolvers:          []string{"oracle"},
	})
	settler := settlement.NewService(lgr, testLogger)
	reg := NewRegistry()
	sw := NewSweeper(reg, ctl, settler, time.Minute, testLogger)

	var transitions []Transition
	sw.OnTransition(func(marketID string, applied []Transition) {
		transitions = append(transitions, applied...)
	})

	m := proposeAndLaunch(t, ctl, lgr, clk, 1000)
	require.NoError(t, reg.Add(m))

	sw.Sweep()
	assert.Empty(t, transitions, "nothing due yet")

	clk.advance(2 * time.Hour)
	sw.Sweep()
	assert.Equal(t, []Transition{TransitionActivate, TransitionClose}, transitions)

	require.NoError(t, reg.WithMarket(m.ID, func(m *domain.Market) error {
		return ctl.Resolve(m, "oracle", 0)
	}))

	// The next pass settles the resolved market's pool to its providers:
	// the winning reserve (500) goes back to alice, the sole LP.
	sw.Sweep()
	got, err := reg.Get(m.ID)
	require.NoError(t, err)
	assert.True(t, got.LPSettled)
	assert.InDelta(t, 500.0, lgr.Balance("alice"), 1e-9)
	assert.InDelta(t, 500.0, lgr.Balance(m.EscrowAddress()), 1e-9,
		"cash backing the losing reserve is not distributed")

	// Re-sweeping a settled market is a no-op.
	before := lgr.Balance("alice")
	sw.Sweep()
	assert.Equal(t, before, lgr.Balance("alice"))
}

func TestSweepRunsEachPassUnderGate(t *testing.T) {
	ctl, lgr, clk := newTestController(t, Config{
		MinLaunchLiquidity: 100,
		ViabilityThreshold: 5000,
	})
	settler := settlement.NewService(lgr, testLogger)
	reg := NewRegistry()
	sw := NewSweeper(reg, ctl, settler, time.Minute, testLogger)

	require.NoError(t, reg.Add(proposeAndLaunch(t, ctl, lgr, clk, 1000)))
	require.NoError(t, reg.Add(proposeAndLaunch(t, ctl, lgr, clk, 1000)))

	var gated int
	sw.Gate(func(pass func()) {
		gated++
		pass()
	})

	clk.advance(10 * time.Minute)
	sw.Sweep()
	assert.Equal(t, 2, gated, "one gated pass per market")

	// The passes themselves ran: both markets refunded through the gate.
	for _, id := range reg.IDs() {
		got, err := reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, domain.MarketStatusRefunded, got.Status)
	}
}

func TestSweepRefundsUnviableMarket(t *testing.T) {
	ctl, lgr, clk := newTestController(t, Config{
		MinLaunchLiquidity: 100,
		ViabilityThreshold: 5000,
	})
	settler := settlement.NewService(lgr, testLogger)
	reg := NewRegistry()
	sw := NewSweeper(reg, ctl, settler, time.Minute, testLogger)

	m := proposeAndLaunch(t, ctl, lgr, clk, 1000)
	require.NoError(t, reg.Add(m))

	clk.advance(10 * time.Minute)
	sw.Sweep()

	got, err := reg.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusRefunded, got.Status)
	assert.Equal(t, 1000.0, lgr.Balance("alice"))
}
