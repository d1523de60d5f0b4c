package lending

import "math/big"

// accruePool advances the pool's borrow and supply indices to the supplied
// timestamp. It must run before any operation that reads or mutates
// TotalBorrow, TotalSupply or an index, so every position is evaluated
// against up-to-date indices. Calling with a timestamp equal to the last
// accrual is an idempotent no-op; a strictly earlier timestamp is fatal.
//
// The accrued interest is split between protocol reserves (per the reserve
// factor) and suppliers, the latter realised as supply-index growth. Both
// indices are monotonically non-decreasing by construction.
func accruePool(pool *Pool, now uint64) (*big.Int, error) {
	ensurePoolDefaults(pool)

	if now < pool.LastAccrual {
		return nil, &AccrualOutOfOrderError{PoolID: pool.AssetID, LastAccrual: pool.LastAccrual, Requested: now}
	}
	if now == pool.LastAccrual {
		return big.NewInt(0), nil
	}

	elapsed := now - pool.LastAccrual
	if pool.TotalBorrow.Sign() == 0 {
		pool.LastAccrual = now
		return big.NewInt(0), nil
	}

	model := pool.Params.Model()
	utilization := Utilization(pool.TotalBorrow, pool.TotalSupply)
	borrowAPR := model.BorrowAPR(utilization)
	if borrowAPR.Sign() <= 0 {
		pool.LastAccrual = now
		return big.NewInt(0), nil
	}

	factor := compoundFactor(borrowAPR, elapsed)
	if factor.Cmp(ray) < 0 {
		return nil, &IndexRegressionError{PoolID: pool.AssetID, Index: "borrow"}
	}

	growth := new(big.Int).Sub(factor, ray)
	interestAccrued := rayMul(pool.TotalBorrow, growth)
	if interestAccrued.Sign() == 0 {
		pool.LastAccrual = now
		return big.NewInt(0), nil
	}

	reserveShare := mulBpsFloor(interestAccrued, pool.Params.ReserveFactorBps)
	supplierShare := new(big.Int).Sub(interestAccrued, reserveShare)

	newBorrowIndex := rayMul(pool.BorrowIndex, factor)
	if newBorrowIndex.Cmp(pool.BorrowIndex) < 0 {
		return nil, &IndexRegressionError{PoolID: pool.AssetID, Index: "borrow"}
	}
	pool.BorrowIndex = newBorrowIndex

	if pool.TotalSupply.Sign() > 0 && supplierShare.Sign() > 0 {
		supplyGrowth := new(big.Int).Add(ray, rayDiv(supplierShare, pool.TotalSupply))
		newSupplyIndex := rayMul(pool.SupplyIndex, supplyGrowth)
		if newSupplyIndex.Cmp(pool.SupplyIndex) < 0 {
			return nil, &IndexRegressionError{PoolID: pool.AssetID, Index: "supply"}
		}
		pool.SupplyIndex = newSupplyIndex
		pool.TotalSupply = new(big.Int).Add(pool.TotalSupply, supplierShare)
	}

	pool.TotalBorrow = new(big.Int).Add(pool.TotalBorrow, interestAccrued)
	pool.Reserves = new(big.Int).Add(pool.Reserves, reserveShare)
	pool.LastAccrual = now
	return interestAccrued, nil
}

func ensurePoolDefaults(pool *Pool) {
	if pool.TotalSupply == nil {
		pool.TotalSupply = big.NewInt(0)
	}
	if pool.TotalBorrow == nil {
		pool.TotalBorrow = big.NewInt(0)
	}
	if pool.Reserves == nil {
		pool.Reserves = big.NewInt(0)
	}
	if pool.LiquidatorRewards == nil {
		pool.LiquidatorRewards = big.NewInt(0)
	}
	if pool.BadDebt == nil {
		pool.BadDebt = big.NewInt(0)
	}
	if pool.SupplyIndex == nil || pool.SupplyIndex.Sign() == 0 {
		pool.SupplyIndex = new(big.Int).Set(ray)
	}
	if pool.BorrowIndex == nil || pool.BorrowIndex.Sign() == 0 {
		pool.BorrowIndex = new(big.Int).Set(ray)
	}
}

// availableLiquidity is the cash a pool can lend or redeem right now.
func availableLiquidity(pool *Pool) *big.Int {
	liquidity := new(big.Int).Sub(pool.TotalSupply, pool.TotalBorrow)
	if liquidity.Sign() < 0 {
		return big.NewInt(0)
	}
	return liquidity
}
