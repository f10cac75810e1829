// Package autonomy implements the tiered execution contract and the
// liveness model for escalated proposals.
package autonomy

import "fmt"

// TierPolicy describes what one autonomy tier may do.
type TierPolicy struct {
	Tier                  int    `json:"tier"`
	CanExecute            bool   `json:"can_execute"`
	RequiresSandbox       bool   `json:"requires_sandbox"`
	RequiresHumanApproval bool   `json:"requires_human_approval"`
	Description           string `json:"description"`
}

// The four tiers. Tier 2 is reserved: its policy row exists but execution is
// rejected at runtime until canary attestation lands.
var tierPolicies = map[int]TierPolicy{
	0: {Tier: 0, Description: "Propose-only: no execution permitted"},
	1: {Tier: 1, CanExecute: true, RequiresSandbox: true,
		Description: "Sandbox execution: Blast Box only"},
	2: {Tier: 2, CanExecute: true, RequiresSandbox: true,
		Description: "Canary + attestations (not yet implemented)"},
	3: {Tier: 3, CanExecute: true, RequiresHumanApproval: true,
		Description: "Production execution with human approval"},
}

// PolicyForTier returns the policy row for a tier.
func PolicyForTier(tier int) (TierPolicy, error) {
	p, ok := tierPolicies[tier]
	if !ok {
		return TierPolicy{}, fmt.Errorf("autonomy: unknown tier %d", tier)
	}
	return p, nil
}

// CheckExecution decides whether an actor at the given tier may execute now.
// The returned reason is human-readable and surfaces in API errors.
func CheckExecution(tier int, hasHumanApproval bool) (bool, string) {
	switch tier {
	case 0:
		return false, "Tier 0: propose-only, execution not permitted"
	case 1:
		return true, "Tier 1: sandbox execution permitted"
	case 2:
		return false, "Tier 2: canary execution not yet implemented"
	case 3:
		if !hasHumanApproval {
			return false, "Tier 3: requires human approval"
		}
		return true, "Tier 3: production execution with human approval"
	default:
		return false, fmt.Sprintf("Unknown tier %d", tier)
	}
}
