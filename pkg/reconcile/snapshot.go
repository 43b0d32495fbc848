package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// LedgerSnapshot is the whole ledger as seen by one scan, any reporter.
type LedgerSnapshot struct {
	Network       string            `json:"network"`
	ChainID       uint64            `json:"chainId"`
	Owner         ledger.Account    `json:"owner"`
	Balance       decimal.Decimal   `json:"contractBalance"`
	Rate          decimal.Decimal   `json:"rewardRate"`
	Incidents     []ledger.Incident `json:"incidents"`
	VerifiedCount int               `json:"verifiedCount"`
	PendingCount  int               `json:"pendingCount"`
	MaxID         uint64            `json:"maxId"`
	Failed        []uint64          `json:"failed,omitempty"`
	Partial       bool              `json:"partial"`
}

// Tally counts the successful records of a scan, in id order.
func Tally(records []Record) (incidents []ledger.Incident, verified, pending int, failed []uint64) {
	incidents = make([]ledger.Incident, 0, len(records))
	for _, rec := range records {
		if !rec.OK() {
			failed = append(failed, rec.ID)
			continue
		}
		incidents = append(incidents, *rec.Incident)
		if rec.Incident.Verified {
			verified++
		} else {
			pending++
		}
	}
	return incidents, verified, pending, failed
}

// Snapshot scans the entire ledger together with its owner and balance.
// Like Refresh, a partial snapshot comes back alongside a *RefreshError.
func (e *Engine) Snapshot(ctx context.Context) (*LedgerSnapshot, error) {
	st, err := e.scan(ctx)
	if err != nil {
		return nil, &RefreshError{Op: "snapshot", Err: err}
	}
	owner, err := withTimeout(ctx, e.callTimeout, e.client.Owner)
	if err != nil {
		return nil, &RefreshError{Op: "snapshot", Err: fmt.Errorf("read owner: %w", err)}
	}
	balance, err := withTimeout(ctx, e.callTimeout, e.client.ContractBalance)
	if err != nil {
		return nil, &RefreshError{Op: "snapshot", Err: fmt.Errorf("read contract balance: %w", err)}
	}

	incidents, verified, pending, failed := Tally(st.result.Records)
	snap := &LedgerSnapshot{
		Network:       e.network.Name,
		ChainID:       e.network.ChainID,
		Owner:         owner,
		Balance:       e.network.ToNative(balance),
		Rate:          e.network.ToNative(st.rate),
		Incidents:     incidents,
		VerifiedCount: verified,
		PendingCount:  pending,
		MaxID:         st.maxID,
		Failed:        failed,
		Partial:       st.result.Fatal != nil,
	}
	if st.result.Fatal != nil {
		return snap, &RefreshError{Op: "snapshot", Err: st.result.Fatal}
	}
	return snap, nil
}
