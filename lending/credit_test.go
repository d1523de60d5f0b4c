package lending

import (
	"testing"
	"time"
)

type tierTable map[CreditTier]CreditTierParams

func (t tierTable) PoolParams(string) (RateParams, error) {
	return RateParams{}, ErrPoolNotFound
}

func (t tierTable) CollateralParams(string) (CollateralParams, error) {
	return CollateralParams{}, ErrPoolNotFound
}

func (t tierTable) CreditTierParams(tier CreditTier) (CreditTierParams, error) {
	params, ok := t[tier]
	if !ok {
		return CreditTierParams{Tier: tier}, nil
	}
	return params, nil
}

func newTierTable() tierTable {
	return tierTable{
		TierGold:    {Tier: TierGold, RateDiscountBps: 1500, MaxLTVBps: 8800, GracePeriod: 72 * time.Hour},
		TierDiamond: {Tier: TierDiamond, RateDiscountBps: 2500, MaxLTVBps: 9000, GracePeriod: 96 * time.Hour},
	}
}

func TestUpsertResolvesTierPricing(t *testing.T) {
	registry := NewCreditRegistry(newTierTable())

	assessment, err := registry.Upsert("alice", 810, TierGold, t0)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if assessment.RateDiscountBps != 1500 || assessment.MaxLTVBps != 8800 {
		t.Fatalf("gold pricing = %d/%d, want 1500/8800", assessment.RateDiscountBps, assessment.MaxLTVBps)
	}
	if !assessment.GraceUntil.IsZero() {
		t.Fatal("first assessment must not carry a grace window")
	}

	stored, err := registry.CreditAssessment("alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.Tier != TierGold || stored.Score != 810 {
		t.Fatalf("stored assessment = %+v", stored)
	}
}

func TestUnknownBorrowerIsUnrated(t *testing.T) {
	registry := NewCreditRegistry(newTierTable())
	assessment, err := registry.CreditAssessment("stranger")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if assessment.Tier != TierUnrated || assessment.RateDiscountBps != 0 {
		t.Fatalf("unknown borrower assessment = %+v, want unrated", assessment)
	}
}

func TestDowngradeKeepsOldPricingThroughGrace(t *testing.T) {
	registry := NewCreditRegistry(newTierTable())
	if _, err := registry.Upsert("alice", 850, TierDiamond, t0); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}

	downgraded, err := registry.Upsert("alice", 640, TierGold, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	// Grace runs on the departing diamond tier's window.
	wantGrace := t0.Add(time.Hour).Add(96 * time.Hour)
	if !downgraded.GraceUntil.Equal(wantGrace) {
		t.Fatalf("grace until = %s, want %s", downgraded.GraceUntil, wantGrace)
	}

	tier, discount := downgraded.DiscountAt(t0.Add(2 * time.Hour))
	if tier != TierDiamond || discount != 2500 {
		t.Fatalf("in-grace pricing = %s/%d, want diamond/2500", tier, discount)
	}
	tier, discount = downgraded.DiscountAt(wantGrace.Add(time.Second))
	if tier != TierGold || discount != 1500 {
		t.Fatalf("post-grace pricing = %s/%d, want gold/1500", tier, discount)
	}
}

func TestUpgradeAppliesImmediately(t *testing.T) {
	registry := NewCreditRegistry(newTierTable())
	if _, err := registry.Upsert("alice", 640, TierGold, t0); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}

	upgraded, err := registry.Upsert("alice", 850, TierDiamond, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !upgraded.GraceUntil.IsZero() {
		t.Fatal("upgrade must not carry a grace window")
	}
	tier, discount := upgraded.DiscountAt(t0.Add(2 * time.Hour))
	if tier != TierDiamond || discount != 2500 {
		t.Fatalf("post-upgrade pricing = %s/%d, want diamond/2500", tier, discount)
	}
}
