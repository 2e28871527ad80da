package retention

import (
	"fmt"

	"github.com/wardenfs/snapwarden/pkg/model"
)

// PolicyError reports an invalid retention policy. Policies are validated
// when configuration is accepted, so evaluation never sees an invalid one.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "invalid retention policy: " + e.Reason
}

// ValidatePolicy rejects policies that cannot be evaluated meaningfully.
// An empty policy (no tiers, zero MinKeep) is valid: evaluation then keeps
// only cursor-pinned snapshots.
func ValidatePolicy(p model.RetentionPolicy) error {
	if p.MinKeep < 0 {
		return &PolicyError{Reason: "minKeep cannot be negative"}
	}
	var prev model.RetentionTier
	for i, tier := range p.Tiers {
		if tier.Granularity.Std() <= 0 {
			return &PolicyError{Reason: fmt.Sprintf("tier %d: granularity must be positive", i)}
		}
		if tier.Keep <= 0 {
			return &PolicyError{Reason: fmt.Sprintf("tier %d: keep must be positive", i)}
		}
		if i > 0 && tier.Granularity.Std() <= prev.Granularity.Std() {
			return &PolicyError{Reason: fmt.Sprintf("tier %d: granularity must increase over tier %d", i, i-1)}
		}
		prev = tier
	}
	return nil
}
