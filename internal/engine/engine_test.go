package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketd/internal/authority"
	"github.com/alanyoungcy/marketd/internal/crypto"
	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
	"github.com/alanyoungcy/marketd/internal/lifecycle"
	"github.com/alanyoungcy/marketd/internal/settlement"
	"github.com/alanyoungcy/marketd/internal/verify"
)

const chainID = int64(1)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// harness assembles a full engine over in-memory state with a controllable
// lifecycle clock and freshly generated signing keys.
type harness struct {
	engine     *Engine
	ledger     *ledger.Ledger
	registry   *lifecycle.Registry
	controller *lifecycle.Controller
	clock      time.Time

	alice  *crypto.Signer
	oracle *crypto.Signer
}

// scriptedAuthority returns whatever decision the test sets.
type scriptedAuthority struct {
	decision authority.Decision
}

func (a *scriptedAuthority) Submit(context.Context, string, []byte) (authority.Decision, error) {
	return a.decision, nil
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(pk)), chainID)
	require.NoError(t, err)
	return s
}

func newHarness(t *testing.T, auth authority.Authority, mode authority.Mode) *harness {
	t.Helper()
	h := &harness{
		ledger:   ledger.New(),
		registry: lifecycle.NewRegistry(),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		alice:    newSigner(t),
		oracle:   newSigner(t),
	}
	h.controller = lifecycle.NewController(lifecycle.Config{
		MinLaunchLiquidity: 100,
		ViabilityThreshold: 500,
		ProvisionalWindow:  10 * time.Minute,
		FeeRate:            0,
		Resolvers:          []string{h.oracle.Address().Hex()},
	}, h.ledger, discard)
	h.controller.SetClock(func() time.Time { return h.clock })

	h.engine = New(Deps{
		Verifier:      verify.NewVerifier(h.ledger, 5*time.Minute, chainID, discard),
		Ledger:        h.ledger,
		Registry:      h.registry,
		Controller:    h.controller,
		Settlement:    settlement.NewService(h.ledger, discard),
		Authority:     auth,
		AuthorityMode: mode,
		Logger:        discard,
	})
	return h
}

// propose registers a two-outcome pending market closing an hour out.
func (h *harness) propose(t *testing.T) string {
	t.Helper()
	m, err := h.controller.Propose("will it rain", []string{"yes", "no"}, h.clock.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.registry.Add(m))
	return m.ID
}

// send signs and applies one instruction.
func (h *harness) send(t *testing.T, signer *crypto.Signer, nonce uint64, kind domain.InstructionKind, payload any) (*domain.Receipt, error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	in, err := signer.SignInstruction(domain.Instruction{
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
		Kind:      kind,
		Payload:   raw,
	})
	require.NoError(t, err)
	return h.engine.Apply(context.Background(), in)
}

func TestApplyFullMarketLifecycle(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 2000))
	marketID := h.propose(t)

	// Launch escrows the liquidity and seeds the pool evenly.
	rcpt, err := h.send(t, h.alice, 1, domain.KindLaunch, domain.LaunchPayload{
		MarketID: marketID, Liquidity: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1000.0, h.engine.Balance(alice))
	m, err := h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusProvisional, m.Status)
	assert.Equal(t, []float64{500, 500}, m.Pool.Reserves)
	require.Len(t, rcpt.StatusChanges, 1)
	assert.Equal(t, domain.MarketStatusProvisional, rcpt.StatusChanges[0].To)

	// Buying 100 of outcome 0 against [500,500] costs 125.
	rcpt, err = h.send(t, h.alice, 2, domain.KindTrade, domain.TradePayload{
		MarketID: marketID, Outcome: 0, Side: domain.SideBuy, Shares: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 125.0, rcpt.Detail["cost"], 1e-6)
	assert.InDelta(t, 875.0, h.engine.Balance(alice), 1e-6)
	m, err = h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.InDelta(t, 400.0, m.Pool.Reserves[0], 1e-6)
	assert.InDelta(t, 625.0, m.Pool.Reserves[1], 1e-6)
	assert.InDelta(t, 100.0, m.Holding(alice, 0), 1e-9)

	p0, err := h.engine.Price(marketID, 0)
	require.NoError(t, err)
	p1, err := h.engine.Price(marketID, 1)
	require.NoError(t, err)
	assert.Greater(t, p0, p1, "bought outcome got more expensive")

	// Past both deadlines the resolve instruction first drives the market
	// through activation and close, then records the outcome.
	h.clock = h.clock.Add(2 * time.Hour)
	rcpt, err = h.send(t, h.oracle, 1, domain.KindResolve, domain.ResolvePayload{
		MarketID: marketID, Outcome: 0,
	})
	require.NoError(t, err)
	m, err = h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, 0, m.WinningOutcome)
	require.Len(t, rcpt.StatusChanges, 1, "time-driven transitions are not the instruction's doing")
	assert.Equal(t, domain.MarketStatusClosed, rcpt.StatusChanges[0].From)
	assert.Equal(t, domain.MarketStatusResolved, rcpt.StatusChanges[0].To)

	// Winning holdings redeem 1:1 from escrow.
	rcpt, err = h.send(t, h.alice, 3, domain.KindRedeem, domain.RedeemPayload{
		MarketID: marketID, Outcome: 0, Amount: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, rcpt.Detail["paid"], 1e-9)
	assert.InDelta(t, 975.0, h.engine.Balance(alice), 1e-6)
	m, err = h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Holding(alice, 0))
}

func TestApplyRejectsNonceReplayAndGap(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())
	bob := strings.ToLower(newSigner(t).Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 100))

	_, err := h.send(t, h.alice, 1, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 10})
	require.NoError(t, err)

	_, err = h.send(t, h.alice, 1, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrNonceReplay)

	_, err = h.send(t, h.alice, 5, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrNonceGap)

	assert.Equal(t, 90.0, h.engine.Balance(alice), "only the first transfer landed")
	assert.Equal(t, 10.0, h.engine.Balance(bob))
}

func TestApplyRejectsSlippage(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 2000))
	marketID := h.propose(t)

	_, err := h.send(t, h.alice, 1, domain.KindLaunch, domain.LaunchPayload{MarketID: marketID, Liquidity: 1000})
	require.NoError(t, err)

	_, err = h.send(t, h.alice, 2, domain.KindTrade, domain.TradePayload{
		MarketID: marketID, Outcome: 0, Side: domain.SideBuy, Shares: 100, MaxCost: 50,
	})
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, 1000.0, h.engine.Balance(alice), "rejected trade moved nothing")
}

func TestRemoveLiquidityCannotEmptyLivePool(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 2000))
	marketID := h.propose(t)

	_, err := h.send(t, h.alice, 1, domain.KindLaunch, domain.LaunchPayload{MarketID: marketID, Liquidity: 1000})
	require.NoError(t, err)

	// Withdrawing every share would leave a tradable market without a pool.
	_, err = h.send(t, h.alice, 2, domain.KindRemoveLiquidity, domain.RemoveLiquidityPayload{
		MarketID: marketID, Shares: 1000,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.InDelta(t, 1000.0, h.engine.Balance(alice), 1e-9, "rejected withdrawal paid nothing")
	m, err := h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, m.Pool.TotalShares, 1e-9)

	// Partial withdrawals still work, and the pool stays priceable after.
	_, err = h.send(t, h.alice, 2, domain.KindRemoveLiquidity, domain.RemoveLiquidityPayload{
		MarketID: marketID, Shares: 400,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1400.0, h.engine.Balance(alice), 1e-9)

	_, err = h.send(t, h.alice, 3, domain.KindAddLiquidity, domain.AddLiquidityPayload{
		MarketID: marketID, Amount: 200,
	})
	require.NoError(t, err)
	m, err = h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.InDelta(t, 800.0, m.Pool.TotalShares, 1e-9)
}

func TestAddLiquidityRejectionMovesNoFunds(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 2000))
	marketID := h.propose(t)

	_, err := h.send(t, h.alice, 1, domain.KindLaunch, domain.LaunchPayload{MarketID: marketID, Liquidity: 1000})
	require.NoError(t, err)

	// Empty the pool behind the engine's back so the deposit quote fails.
	require.NoError(t, h.registry.WithMarket(marketID, func(m *domain.Market) error {
		m.Pool.Reserves = []float64{0, 0}
		m.Pool.TotalShares = 0
		m.Pool.LPShares = map[string]float64{}
		return nil
	}))

	_, err = h.send(t, h.alice, 2, domain.KindAddLiquidity, domain.AddLiquidityPayload{
		MarketID: marketID, Amount: 200,
	})
	var inv *domain.InvariantError
	require.ErrorAs(t, err, &inv)

	// The rejected deposit left every balance where it was: no cash moved
	// into escrow, no shares minted, no deposit recorded.
	assert.InDelta(t, 1000.0, h.engine.Balance(alice), 1e-9)
	m, err := h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, h.engine.Balance(m.EscrowAddress()), 1e-9)
	assert.Empty(t, m.Pool.LPShares)
	assert.InDelta(t, 1000.0, m.Deposits[alice], 1e-9, "only the launch deposit remains")
}

func TestSellIntoEmptiedPoolIsNotFatal(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 2000))
	marketID := h.propose(t)

	_, err := h.send(t, h.alice, 1, domain.KindLaunch, domain.LaunchPayload{MarketID: marketID, Liquidity: 1000})
	require.NoError(t, err)

	require.NoError(t, h.registry.WithMarket(marketID, func(m *domain.Market) error {
		m.Pool.Reserves = []float64{0, 0}
		m.Pool.TotalShares = 0
		m.Pool.LPShares = map[string]float64{}
		m.AdjustHolding(alice, 0, 100)
		return nil
	}))

	// A seller against a pool with no liquidity gets a resubmittable state
	// rejection, not an invariant report.
	_, err = h.send(t, h.alice, 2, domain.KindTrade, domain.TradePayload{
		MarketID: marketID, Outcome: 0, Side: domain.SideSell, Shares: 100,
	})
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, domain.ClassState, domain.Classify(err))
	m, err := h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, m.Holding(alice, 0), 1e-9, "nothing burned")
}

func TestSnapshotConsistentDuringSweep(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())

	// Forty markets launched below the viability threshold, all due for a
	// refund once the clock passes their provisional deadlines.
	const markets = 40
	require.NoError(t, h.ledger.Credit(alice, markets*200))
	ids := make([]string, 0, markets)
	for i := 0; i < markets; i++ {
		id := h.propose(t)
		require.NoError(t, h.registry.WithMarket(id, func(m *domain.Market) error {
			return h.controller.Launch(m, alice, 200)
		}))
		ids = append(ids, id)
	}
	h.clock = h.clock.Add(time.Hour)

	sweeper := lifecycle.NewSweeper(h.registry, h.controller,
		settlement.NewService(h.ledger, discard), time.Minute, discard)
	sweeper.Gate(h.engine.Guarded)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Sweep()
	}()

	// Snapshots taken mid-sweep must pair each refunded market with an
	// emptied escrow: the refund transfers and the status flip commit as
	// one unit under the state gate.
	for sweeping := true; sweeping; {
		select {
		case <-done:
			sweeping = false
		default:
		}
		snap := h.engine.Snapshot()
		balances := make(map[string]float64, len(snap.Accounts))
		for _, a := range snap.Accounts {
			balances[a.Address] = a.Balance
		}
		for i := range snap.Markets {
			m := &snap.Markets[i]
			if m.Status != domain.MarketStatusRefunded {
				continue
			}
			assert.InDelta(t, 0.0, balances[m.EscrowAddress()], 1e-6,
				"refunded market %s still holds escrow", m.ID)
			assert.Empty(t, m.Deposits)
		}
	}

	assert.InDelta(t, float64(markets)*200, h.engine.Balance(alice), 1e-6, "every refund landed")
	for _, id := range ids {
		m, err := h.engine.MarketState(id)
		require.NoError(t, err)
		assert.Equal(t, domain.MarketStatusRefunded, m.Status)
	}
}

func TestOptimisticRejectionCompensates(t *testing.T) {
	auth := &scriptedAuthority{decision: authority.Rejected}
	h := newHarness(t, auth, authority.ModeOptimistic)
	alice := strings.ToLower(h.alice.Address().Hex())
	bob := strings.ToLower(newSigner(t).Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 100))

	_, err := h.send(t, h.alice, 1, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 40})
	assert.ErrorIs(t, err, domain.ErrAuthorityRejected)
	assert.Equal(t, 100.0, h.engine.Balance(alice), "compensation restored the sender")
	assert.Equal(t, 0.0, h.engine.Balance(bob))

	// The rejected instruction's nonce stays consumed.
	auth.decision = authority.Confirmed
	_, err = h.send(t, h.alice, 1, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 40})
	assert.ErrorIs(t, err, domain.ErrNonceReplay)

	_, err = h.send(t, h.alice, 2, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, 60.0, h.engine.Balance(alice))
	assert.Equal(t, 40.0, h.engine.Balance(bob))
}

func TestOptimisticRejectionCompensatesTrade(t *testing.T) {
	auth := &scriptedAuthority{decision: authority.Confirmed}
	h := newHarness(t, auth, authority.ModeOptimistic)
	alice := strings.ToLower(h.alice.Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 2000))
	marketID := h.propose(t)

	_, err := h.send(t, h.alice, 1, domain.KindLaunch, domain.LaunchPayload{MarketID: marketID, Liquidity: 1000})
	require.NoError(t, err)

	auth.decision = authority.Rejected
	_, err = h.send(t, h.alice, 2, domain.KindTrade, domain.TradePayload{
		MarketID: marketID, Outcome: 0, Side: domain.SideBuy, Shares: 100,
	})
	assert.ErrorIs(t, err, domain.ErrAuthorityRejected)

	// Balances, holdings, pool, and deposits are all back where they were.
	assert.InDelta(t, 1000.0, h.engine.Balance(alice), 1e-9)
	m, err := h.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, m.Pool.Reserves[0], 1e-9)
	assert.InDelta(t, 500.0, m.Pool.Reserves[1], 1e-9)
	assert.Equal(t, 0.0, m.Holding(alice, 0))
	assert.InDelta(t, 1000.0, m.Deposits[alice], 1e-9)
}

func TestPessimisticRejectionAppliesNothing(t *testing.T) {
	auth := &scriptedAuthority{decision: authority.Rejected}
	h := newHarness(t, auth, authority.ModePessimistic)
	alice := strings.ToLower(h.alice.Address().Hex())
	bob := strings.ToLower(newSigner(t).Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 100))

	_, err := h.send(t, h.alice, 1, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 40})
	assert.ErrorIs(t, err, domain.ErrAuthorityRejected)
	assert.Equal(t, 100.0, h.engine.Balance(alice))

	// Nothing applied, so the same nonce is still good.
	auth.decision = authority.Confirmed
	_, err = h.send(t, h.alice, 1, domain.KindTransfer, domain.TransferPayload{To: bob, Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, 60.0, h.engine.Balance(alice))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h := newHarness(t, nil, authority.ModeOff)
	alice := strings.ToLower(h.alice.Address().Hex())
	require.NoError(t, h.ledger.Credit(alice, 2000))
	marketID := h.propose(t)

	_, err := h.send(t, h.alice, 1, domain.KindLaunch, domain.LaunchPayload{MarketID: marketID, Liquidity: 1000})
	require.NoError(t, err)
	_, err = h.send(t, h.alice, 2, domain.KindTrade, domain.TradePayload{
		MarketID: marketID, Outcome: 0, Side: domain.SideBuy, Shares: 100,
	})
	require.NoError(t, err)

	snap := h.engine.Snapshot()
	assert.Equal(t, domain.SnapshotVersion, snap.Version)

	fresh := newHarness(t, nil, authority.ModeOff)
	require.NoError(t, fresh.engine.Restore(snap))

	assert.InDelta(t, h.engine.Balance(alice), fresh.engine.Balance(alice), 1e-9)
	want, err := h.engine.MarketState(marketID)
	require.NoError(t, err)
	got, err := fresh.engine.MarketState(marketID)
	require.NoError(t, err)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Pool.Reserves, got.Pool.Reserves)
	assert.Equal(t, want.Holdings, got.Holdings)
	assert.Equal(t, want.Deposits, got.Deposits)

	// The restored engine continues the nonce sequence where it left off.
	_, err = fresh.send(t, h.alice, 2, domain.KindTransfer, domain.TransferPayload{To: "0xbob", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrNonceReplay)
	_, err = fresh.send(t, h.alice, 3, domain.KindTransfer, domain.TransferPayload{To: "0xbob", Amount: 1})
	require.NoError(t, err)

	bad := &domain.Snapshot{Version: domain.SnapshotVersion + 1}
	assert.Error(t, fresh.engine.Restore(bad))
}
