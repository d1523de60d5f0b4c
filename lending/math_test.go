package lending

import (
	"math/big"
	"testing"
)

func TestRayMulTruncates(t *testing.T) {
	half := new(big.Int).Quo(ray, two)
	three := big.NewInt(3)
	// 3 * 0.5 floors to 1 in integer units.
	if got := rayMul(three, half); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("rayMul(3, 0.5) = %s, want 1", got)
	}
	if got := rayMul(ray, ray); got.Cmp(ray) != 0 {
		t.Fatalf("rayMul(1, 1) = %s, want ray", got)
	}
}

func TestRayDivTruncates(t *testing.T) {
	if got := rayDiv(big.NewInt(1), big.NewInt(3)); got.Cmp(mustBigInt("333333333333333333333333333")) != 0 {
		t.Fatalf("rayDiv(1, 3) = %s", got)
	}
	if got := rayDiv(big.NewInt(1), big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("rayDiv by zero = %s, want 0", got)
	}
}

func TestCompoundFactorBounds(t *testing.T) {
	tenPercent := big.NewRat(1, 10)

	if got := compoundFactor(tenPercent, 0); got.Cmp(ray) != 0 {
		t.Fatalf("zero elapsed factor = %s, want ray", got)
	}
	if got := compoundFactor(nil, 3600); got.Cmp(ray) != 0 {
		t.Fatalf("nil rate factor = %s, want ray", got)
	}

	year := compoundFactor(tenPercent, secondsPerYear)
	// Compounded 10% over a year sits between the simple-interest floor and
	// the continuous-compounding ceiling e^0.1 < 1.10518.
	floor := new(big.Int).Add(ray, new(big.Int).Quo(ray, big.NewInt(10)))
	ceiling := ratToRay(big.NewRat(110_518, 100_000))
	if year.Cmp(floor) < 0 {
		t.Fatalf("annual factor %s below simple interest %s", year, floor)
	}
	if year.Cmp(ceiling) >= 0 {
		t.Fatalf("annual factor %s not below continuous bound %s", year, ceiling)
	}
}

func TestCompoundFactorMonotonicInElapsed(t *testing.T) {
	rate := big.NewRat(5, 100)
	prev := compoundFactor(rate, 1)
	for _, elapsed := range []uint64{60, 3600, 86_400, secondsPerYear} {
		next := compoundFactor(rate, elapsed)
		if next.Cmp(prev) <= 0 {
			t.Fatalf("factor(%d) = %s not above factor for shorter interval %s", elapsed, next, prev)
		}
		prev = next
	}
}

func TestCompoundFactorTinyRateStillAccrues(t *testing.T) {
	// 1 bps APR has a per-second rate below ray resolution; the interval
	// aggregate must still be positive.
	oneBps := big.NewRat(1, 10_000)
	factor := compoundFactor(oneBps, 86_400)
	if factor.Cmp(ray) <= 0 {
		t.Fatalf("daily factor at 1 bps = %s, want above ray", factor)
	}
}

func TestBpsHelpers(t *testing.T) {
	if got := bpsRat(2500); got.Cmp(big.NewRat(1, 4)) != 0 {
		t.Fatalf("bpsRat(2500) = %s, want 1/4", got)
	}
	if got := oneMinusBps(500); got.Cmp(big.NewRat(19, 20)) != 0 {
		t.Fatalf("oneMinusBps(500) = %s, want 19/20", got)
	}
	if got := oneMinusBps(12_000); got.Sign() != 0 {
		t.Fatalf("oneMinusBps above 100%% = %s, want 0", got)
	}
	if got := mulBpsFloor(big.NewInt(999), 1000); got.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("mulBpsFloor(999, 10%%) = %s, want 99", got)
	}
}

func TestRatIntHelpers(t *testing.T) {
	if got := ratMulInt(big.NewInt(50_000), big.NewRat(1, 4)); got.Cmp(big.NewInt(12_500)) != 0 {
		t.Fatalf("ratMulInt quarter = %s, want 12500", got)
	}
	if got := ratToInt(big.NewRat(7, 2)); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("ratToInt(3.5) = %s, want 3", got)
	}
	if got := ratDivIntRat(big.NewRat(10, 1), big.NewRat(1, 4)); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("ratDivIntRat(10, 0.25) = %s, want 40", got)
	}
	if got := ratDivIntRat(big.NewRat(10, 1), new(big.Rat)); got.Sign() != 0 {
		t.Fatalf("ratDivIntRat by zero = %s, want 0", got)
	}
}
