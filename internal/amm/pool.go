// Package amm implements the constant-product market maker: pricing,
// swaps, and liquidity share accounting over a market's pool.
//
// All functions are pure math over domain.Pool; callers (the engine and
// lifecycle controller) hold the market lock. The product K = Π reserves
// is held fixed by trades and rescaled only by liquidity events. Trading
// fees never enter the reserves: they accumulate in the pool's fee reserve
// and are paid out pro-rata to LP shares on withdrawal and settlement.
package amm

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// shareEpsilon absorbs float dust when comparing LP share balances, so a
// provider can always withdraw exactly what was recorded for them.
const shareEpsilon = 1e-9

// Seed initializes an empty pool: liquidity split evenly across n outcome
// reserves, total shares equal to the deposit, all granted to provider.
func Seed(p *domain.Pool, n int, liquidity, feeRate float64, provider string) {
	p.Reserves = make([]float64, n)
	for i := range p.Reserves {
		p.Reserves[i] = liquidity / float64(n)
	}
	p.FeeReserve = 0
	p.FeeRate = feeRate
	p.TotalShares = liquidity
	p.LPShares = map[string]float64{provider: liquidity}
}

// TVL returns the ledger-token value locked in the reserves.
func TVL(p *domain.Pool) float64 {
	var sum float64
	for _, r := range p.Reserves {
		sum += r
	}
	return sum
}

// Value returns the pool's full ledger-token value: reserves plus
// accumulated fees.
func Value(p *domain.Pool) float64 {
	return TVL(p) + p.FeeReserve
}

// K returns the constant product of the reserves.
func K(p *domain.Pool) float64 {
	prod := 1.0
	for _, r := range p.Reserves {
		prod *= r
	}
	return prod
}

// Prices returns the normalized marginal price of each outcome. A scarcer
// reserve means a more expensive outcome, so prices are inverse-reserve
// weights normalized to sum to 1.
func Prices(p *domain.Pool) []float64 {
	prices := make([]float64, len(p.Reserves))
	var denom float64
	for _, r := range p.Reserves {
		denom += 1 / r
	}
	for i, r := range p.Reserves {
		prices[i] = (1 / r) / denom
	}
	return prices
}

// QuoteBuy computes the ledger-token cost of buying shares of the given
// outcome, holding K fixed: reserve_i drops by shares while a uniform
// increment spreads the cost across every other reserve. The fee is
// charged on top of the cost.
func QuoteBuy(p *domain.Pool, outcome int, shares float64) (cost, fee float64, err error) {
	if outcome < 0 || outcome >= len(p.Reserves) {
		return 0, 0, fmt.Errorf("%w: outcome %d", domain.ErrUnknownOutcome, outcome)
	}
	if shares <= 0 {
		return 0, 0, fmt.Errorf("%w: buy %v shares", domain.ErrInvalidAmount, shares)
	}
	r := p.Reserves[outcome]
	if shares >= r {
		// Draining the reserve needs unbounded cost.
		return 0, 0, fmt.Errorf("%w: %v shares against reserve %v",
			domain.ErrSlippageExceeded, shares, r)
	}

	// Solve Σ_{j≠i} ln(r_j + x) = ln K - ln(r_i - s) for the per-reserve
	// increment x, then cost = x · (N-1) so cash in equals TVL growth.
	target := logK(p) - math.Log(r-shares)
	x := solveUniformShift(p.Reserves, outcome, target, +1)
	cost = x * float64(len(p.Reserves)-1)
	fee = cost * p.FeeRate
	return cost, fee, nil
}

// ApplyBuy executes a previously quoted buy against the pool. The caller
// has already debited cost+fee from the buyer.
func ApplyBuy(p *domain.Pool, outcome int, shares, cost, fee float64) {
	x := cost / float64(len(p.Reserves)-1)
	for j := range p.Reserves {
		if j == outcome {
			p.Reserves[j] -= shares
		} else {
			p.Reserves[j] += x
		}
	}
	p.FeeReserve += fee
}

// QuoteSell computes the gross proceeds of selling shares back to the
// pool, the mirror of QuoteBuy: reserve_i grows by shares while a uniform
// decrement drains the proceeds from every other reserve. The fee comes
// out of the proceeds.
func QuoteSell(p *domain.Pool, outcome int, shares float64) (proceeds, fee float64, err error) {
	if outcome < 0 || outcome >= len(p.Reserves) {
		return 0, 0, fmt.Errorf("%w: outcome %d", domain.ErrUnknownOutcome, outcome)
	}
	if shares <= 0 {
		return 0, 0, fmt.Errorf("%w: sell %v shares", domain.ErrInvalidAmount, shares)
	}

	if TVL(p) <= 0 {
		return 0, 0, fmt.Errorf("%w: pool has no liquidity", domain.ErrSlippageExceeded)
	}

	target := logK(p) - math.Log(p.Reserves[outcome]+shares)
	x := solveUniformShift(p.Reserves, outcome, target, -1)
	proceeds = x * float64(len(p.Reserves)-1)
	fee = proceeds * p.FeeRate
	return proceeds, fee, nil
}

// ApplySell executes a previously quoted sell. The caller credits the
// seller with proceeds-fee afterwards.
func ApplySell(p *domain.Pool, outcome int, shares, proceeds, fee float64) {
	x := proceeds / float64(len(p.Reserves)-1)
	for j := range p.Reserves {
		if j == outcome {
			p.Reserves[j] += shares
		} else {
			p.Reserves[j] -= x
		}
	}
	p.FeeReserve += fee
}

// QuoteAddLiquidity computes the LP shares a deposit of amount would mint,
// in proportion to the pool's pre-deposit reserve value. It mutates
// nothing, so the caller can validate and move the cash before committing
// the deposit.
func QuoteAddLiquidity(p *domain.Pool, amount float64) (minted float64, err error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: add liquidity %v", domain.ErrInvalidAmount, amount)
	}
	value := TVL(p)
	if value <= 0 || p.TotalShares <= 0 {
		return 0, domain.Invariant("pool", fmt.Errorf("add liquidity into drained pool (tvl=%v shares=%v)", value, p.TotalShares))
	}
	return amount / value * p.TotalShares, nil
}

// ApplyAddLiquidity executes a previously quoted deposit: every reserve
// scales proportionally and the minted shares are granted to provider.
func ApplyAddLiquidity(p *domain.Pool, provider string, amount, minted float64) {
	value := TVL(p)
	scale := (value + amount) / value
	for i := range p.Reserves {
		p.Reserves[i] *= scale
	}
	p.TotalShares += minted
	if p.LPShares == nil {
		p.LPShares = make(map[string]float64)
	}
	p.LPShares[provider] += minted
}

// RemoveDrainsPool reports whether burning shares held by provider would
// leave no shares outstanding, after the same clamping RemoveLiquidity
// applies. The engine rejects such withdrawals while a market is live: a
// tradable market must always keep a priced pool.
func RemoveDrainsPool(p *domain.Pool, provider string, shares float64) bool {
	if held := p.LPShares[provider]; shares > held {
		shares = held
	}
	return p.TotalShares-shares <= shareEpsilon
}

// RemoveLiquidity burns shares held by provider and returns the
// proportional withdrawal value: the matching slice of the reserves plus
// the matching slice of the fee reserve. Removing every outstanding share
// drains the pool exactly, leaving no dust.
func RemoveLiquidity(p *domain.Pool, provider string, shares float64) (payout float64, err error) {
	if shares <= 0 {
		return 0, fmt.Errorf("%w: remove %v shares", domain.ErrInvalidAmount, shares)
	}
	held := p.LPShares[provider]
	if held+shareEpsilon < shares {
		return 0, fmt.Errorf("%w: %s holds %v, requested %v",
			domain.ErrInsufficientShares, provider, held, shares)
	}
	if shares > held {
		shares = held
	}

	frac := shares / p.TotalShares
	if frac > 1 {
		frac = 1
	}
	payout = frac*TVL(p) + frac*p.FeeReserve

	if p.TotalShares-shares <= shareEpsilon {
		// Last provider out takes everything that is left.
		payout = Value(p)
		for i := range p.Reserves {
			p.Reserves[i] = 0
		}
		p.FeeReserve = 0
		p.TotalShares = 0
		delete(p.LPShares, provider)
		return payout, nil
	}

	for i := range p.Reserves {
		p.Reserves[i] *= 1 - frac
	}
	p.FeeReserve *= 1 - frac
	p.TotalShares -= shares
	p.LPShares[provider] -= shares
	if p.LPShares[provider] <= shareEpsilon {
		delete(p.LPShares, provider)
	}
	return payout, nil
}

// CheckInvariants validates the pool after a mutation. Any negative,
// non-finite, or otherwise impossible reserve state is a logic defect and
// comes back as a fatal InvariantError on the given entity.
func CheckInvariants(p *domain.Pool, entity string) error {
	for i, r := range p.Reserves {
		if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
			return domain.Invariant(entity, fmt.Errorf("reserve[%d] = %v", i, r))
		}
	}
	if math.IsNaN(p.FeeReserve) || p.FeeReserve < 0 {
		return domain.Invariant(entity, fmt.Errorf("fee reserve = %v", p.FeeReserve))
	}
	if math.IsNaN(p.TotalShares) || p.TotalShares < 0 {
		return domain.Invariant(entity, fmt.Errorf("total shares = %v", p.TotalShares))
	}
	return nil
}

// logK returns ln K, summed in log space to stay stable for many-outcome
// pools whose raw product would overflow.
func logK(p *domain.Pool) float64 {
	var sum float64
	for _, r := range p.Reserves {
		sum += math.Log(r)
	}
	return sum
}

// solveUniformShift finds x > 0 such that
//
//	Σ_{j≠skip} ln(r_j + dir·x) = target
//
// by bisection. With dir=+1 the sum increases monotonically in x and is
// unbounded; with dir=-1 it decreases and x is capped just below the
// smallest participating reserve. Two outcomes reduce to the closed-form
// pair swap; the solver converges to the same value, so one code path
// serves every N.
func solveUniformShift(reserves []float64, skip int, target float64, dir float64) float64 {
	sumAt := func(x float64) float64 {
		var s float64
		for j, r := range reserves {
			if j == skip {
				continue
			}
			s += math.Log(r + dir*x)
		}
		return s
	}

	var lo, hi float64
	if dir > 0 {
		// Grow hi until it brackets the root.
		hi = 1.0
		for sumAt(hi) < target {
			hi *= 2
			if math.IsInf(hi, 1) {
				return math.Inf(1)
			}
		}
	} else {
		// x may not reach the smallest reserve.
		minR := math.Inf(1)
		for j, r := range reserves {
			if j != skip && r < minR {
				minR = r
			}
		}
		hi = minR * (1 - 1e-12)
	}

	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		if mid == lo || mid == hi {
			break
		}
		if dir > 0 {
			if sumAt(mid) < target {
				lo = mid
			} else {
				hi = mid
			}
		} else {
			if sumAt(mid) > target {
				lo = mid
			} else {
				hi = mid
			}
		}
	}
	return (lo + hi) / 2
}
