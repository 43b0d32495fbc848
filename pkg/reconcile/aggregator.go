package reconcile

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// AccountSummary is the per-account view derived from one scan. It is never persisted.
type AccountSummary struct {
	Account       ledger.Account    `json:"account"`
	Incidents     []ledger.Incident `json:"incidents"`
	VerifiedCount int               `json:"verifiedCount"`
	PendingCount  int               `json:"pendingCount"`
	Rate          decimal.Decimal   `json:"rewardRate"`
	TotalReward   decimal.Decimal   `json:"totalReward"`
	MaxID         uint64            `json:"maxId"`
	Failed        []uint64          `json:"failed,omitempty"`
	Partial       bool              `json:"partial"`
}

// RewardedIncident pairs a verified incident with the reward attributed to it.
type RewardedIncident struct {
	Incident ledger.Incident `json:"incident"`
	Reward   decimal.Decimal `json:"reward"`
}

// Rewarded lists the verified incidents of the summary.
// Every entry carries the rate sampled by the scan, not the rate paid at the time.
func (s AccountSummary) Rewarded() []RewardedIncident {
	out := make([]RewardedIncident, 0, s.VerifiedCount)
	for _, inc := range s.Incidents {
		if inc.Verified {
			out = append(out, RewardedIncident{Incident: inc, Reward: s.Rate})
		}
	}
	return out
}

// MarshalJSON encodes the summary with its rewarded incidents.
func (s AccountSummary) MarshalJSON() ([]byte, error) {
	type plain AccountSummary
	return json.Marshal(struct {
		plain
		Rewarded []RewardedIncident `json:"rewarded"`
	}{plain: plain(s), Rewarded: s.Rewarded()})
}

// Aggregate folds scanned records into the summary of one account.
// Failed records are listed but never counted. The output is sorted by id
// whatever order the records come in.
func Aggregate(records []Record, account ledger.Account, rate decimal.Decimal) AccountSummary {
	summary := AccountSummary{
		Account:     account,
		Incidents:   []ledger.Incident{},
		Rate:        rate,
		TotalReward: decimal.Zero,
	}
	for _, rec := range records {
		if !rec.OK() {
			summary.Failed = append(summary.Failed, rec.ID)
			continue
		}
		if !rec.Incident.ReportedBy.Equal(account) {
			continue
		}
		summary.Incidents = append(summary.Incidents, *rec.Incident)
		if rec.Incident.Verified {
			summary.VerifiedCount++
			summary.TotalReward = summary.TotalReward.Add(rate)
		} else {
			summary.PendingCount++
		}
	}
	sort.Slice(summary.Incidents, func(i, j int) bool {
		return summary.Incidents[i].ID < summary.Incidents[j].ID
	})
	sort.Slice(summary.Failed, func(i, j int) bool { return summary.Failed[i] < summary.Failed[j] })
	return summary
}
