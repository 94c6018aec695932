package registry

import (
	"sort"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// DefaultPayoutWeights gives the worker twice the share of router and QA
var DefaultPayoutWeights = map[domain.AgentRole]int64{
	domain.AgentRoleRouter: 1,
	domain.AgentRoleWorker: 2,
	domain.AgentRoleQA:     1,
}

// SplitPayout divides total across the swarm's agents by role weight.
// Shares are floored and the leftover units go to the largest remainders,
// earliest agent first on ties, so the shares always sum to total.
// A swarm without weighted agents is paid into its own account.
func SplitPayout(total int64, swarm *domain.Swarm, weights map[domain.AgentRole]int64) []domain.Payout {
	if len(weights) == 0 {
		weights = DefaultPayoutWeights
	}

	var weightSum int64
	for _, a := range swarm.Agents {
		if w := weights[a.Role]; w > 0 {
			weightSum += w
		}
	}
	if weightSum == 0 {
		return []domain.Payout{{AccountID: swarm.AccountID(), Amount: total}}
	}

	type share struct {
		idx       int
		remainder int64
	}
	payouts := make([]domain.Payout, 0, len(swarm.Agents))
	shares := make([]share, 0, len(swarm.Agents))
	var assigned int64
	for _, a := range swarm.Agents {
		w := weights[a.Role]
		if w <= 0 {
			continue
		}
		amount := total * w / weightSum
		shares = append(shares, share{idx: len(payouts), remainder: total * w % weightSum})
		payouts = append(payouts, domain.Payout{AccountID: a.Address, Amount: amount})
		assigned += amount
	}

	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].remainder > shares[j].remainder
	})
	for i := int64(0); i < total-assigned; i++ {
		payouts[shares[i].idx].Amount++
	}
	return payouts
}
