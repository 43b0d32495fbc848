package types

import (
	"context"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
)

// Reconciler is the engine surface the service drives.
type Reconciler interface {
	Network() ledger.Network
	CheckNetwork(ctx context.Context) error
	Refresh(ctx context.Context, account ledger.Account) (*reconcile.AccountSummary, error)
	VerifyAndRefresh(ctx context.Context, id uint64, session reconcile.Session) (*reconcile.AccountSummary, *reconcile.Verification, error)
	Snapshot(ctx context.Context) (*reconcile.LedgerSnapshot, error)
	Diagnose(ctx context.Context) *reconcile.Diagnosis
	Close()
}

// User is an operator allowed to log in.
type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"hash"`
	Role     string `json:"role"`
}

// --- VerifyIncidentWorkflow types

// VerifyIncidentInput contains parameters for verifying one incident.
type VerifyIncidentInput struct {
	IncidentID uint64
	// Account whose summary is refreshed afterwards. Empty means the signer.
	Account string
	// RequestedBy is the operator that asked for the verification.
	RequestedBy string
}

// VerifyIncidentOutput contains results of a verification.
type VerifyIncidentOutput struct {
	IncidentID uint64
	Reporter   string
	Receipt    ledger.Receipt
	Reward     string
	Summary    *reconcile.AccountSummary
	RefreshErr string
	Errors     []string
}

// --- Activities

// SendVerificationOutput is the result of the on-ledger part of a verification.
// A failed refresh after a mined transaction is reported in RefreshErr, not as an error.
type SendVerificationOutput struct {
	IncidentID uint64
	Reporter   string
	Actor      string
	Receipt    ledger.Receipt
	Reward     string
	Summary    *reconcile.AccountSummary
	RefreshErr string
}

// RecordVerificationInput contains the audit row to write.
type RecordVerificationInput struct {
	IncidentID uint64
	Reporter   string
	Actor      string
	Receipt    ledger.Receipt
	Reward     string
}

// PublishVerificationInput contains the events to fan out.
type PublishVerificationInput struct {
	IncidentID uint64
	Reporter   string
	Receipt    ledger.Receipt
	Summary    *reconcile.AccountSummary
}
