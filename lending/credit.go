package lending

import (
	"sync"
	"time"
)

// CreditRegistry holds the current credit assessment per borrower. It
// implements CreditSource for the engine and absorbs score updates from the
// assessment pipeline.
//
// A downgrade does not bite immediately: the borrower keeps the old tier's
// pricing for new positions until the grace window expires. Upgrades apply
// at once.
type CreditRegistry struct {
	mu          sync.RWMutex
	params      ParamSource
	assessments map[string]CreditAssessment
}

// NewCreditRegistry constructs an empty registry resolving tier pricing
// through the given parameter source.
func NewCreditRegistry(params ParamSource) *CreditRegistry {
	return &CreditRegistry{
		params:      params,
		assessments: make(map[string]CreditAssessment),
	}
}

// CreditAssessment implements CreditSource. Unknown borrowers are unrated.
func (r *CreditRegistry) CreditAssessment(ownerID string) (CreditAssessment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	assessment, ok := r.assessments[ownerID]
	if !ok {
		return CreditAssessment{OwnerID: ownerID, Tier: TierUnrated}, nil
	}
	return assessment, nil
}

// Upsert records a new assessment for a borrower. On a downgrade the
// departing tier's pricing is retained for new positions until its grace
// period runs out.
func (r *CreditRegistry) Upsert(ownerID string, score uint32, tier CreditTier, now time.Time) (CreditAssessment, error) {
	tierParams, err := r.params.CreditTierParams(tier)
	if err != nil {
		return CreditAssessment{}, err
	}

	next := CreditAssessment{
		OwnerID:         ownerID,
		Score:           score,
		Tier:            tier,
		RateDiscountBps: tierParams.RateDiscountBps,
		MaxLTVBps:       tierParams.MaxLTVBps,
		EffectiveFrom:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.assessments[ownerID]; ok && tier < current.Tier {
		previousParams, err := r.params.CreditTierParams(current.Tier)
		if err != nil {
			return CreditAssessment{}, err
		}
		next.PreviousTier = current.Tier
		next.PreviousRateDiscountBps = current.RateDiscountBps
		next.GraceUntil = now.Add(previousParams.GracePeriod)
	}
	r.assessments[ownerID] = next
	return next, nil
}
