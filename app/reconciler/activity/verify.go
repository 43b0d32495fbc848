package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/types"
	"github.com/virtualvasu/saferoads-filecoin/pkg/db/audit"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
)

// SendVerification verifies the incident on the ledger and refreshes the
// session account. It must not be retried: a second attempt after a mined
// transaction only fails with AlreadyVerified.
func (ac *Context) SendVerification(ctx context.Context, in types.VerifyIncidentInput) (types.SendVerificationOutput, error) {
	out := types.SendVerificationOutput{IncidentID: in.IncidentID}

	var account ledger.Account
	if in.Account != "" {
		parsed, err := ledger.ParseAccount(in.Account)
		if err != nil {
			return out, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
		}
		account = parsed
	}

	ac.Logger.Info("Verifying incident",
		zap.Uint64("incidentId", in.IncidentID),
		zap.String("account", account.String()),
		zap.String("requestedBy", in.RequestedBy))

	summary, v, err := ac.Engine.VerifyAndRefresh(ctx, in.IncidentID, reconcile.Session{Account: account, Signer: ac.Signer})
	var refreshErr *reconcile.RefreshError
	if err != nil && !errors.As(err, &refreshErr) {
		ac.Logger.Warn("Verification failed",
			zap.Uint64("incidentId", in.IncidentID),
			zap.String("kind", ledger.KindName(err)),
			zap.Error(err))
		return out, ledgerFailure(err)
	}
	if v == nil || v.Receipt == nil {
		return out, ledgerFailure(fmt.Errorf("%w: no receipt for incident %d", ledger.ErrLedgerRejected, in.IncidentID))
	}
	receipt := v.Receipt

	// reporter and reward as read before sending, independent of the refresh
	out.Receipt = *receipt
	out.Reporter = strings.ToLower(v.Incident.ReportedBy.String())
	out.Reward = v.Reward.String()
	out.Actor = strings.ToLower(ac.Signer.Address().String())
	out.Summary = summary
	if err != nil {
		out.RefreshErr = err.Error()
		ac.Logger.Warn("Incident verified but refresh failed",
			zap.Uint64("incidentId", in.IncidentID),
			zap.Error(err))
	}

	ac.Logger.Info("Incident verified",
		zap.Uint64("incidentId", in.IncidentID),
		zap.String("txHash", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber))
	return out, nil
}

// RecordVerification writes the audit row. No-op when auditing is disabled.
func (ac *Context) RecordVerification(ctx context.Context, in types.RecordVerificationInput) error {
	if ac.AuditDB == nil {
		return nil
	}
	reward := decimal.Zero
	if in.Reward != "" {
		r, err := decimal.NewFromString(in.Reward)
		if err != nil {
			return temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
		}
		reward = r
	}
	incident := ledger.Incident{ID: in.IncidentID, ReportedBy: ledger.Account(in.Reporter), Verified: true}
	rec := audit.NewVerificationRecord(ac.Network, incident, ledger.Account(in.Actor), in.Receipt, reward)
	if err := ac.AuditDB.RecordVerification(ctx, rec); err != nil {
		ac.Logger.Error("Failed to record verification", zap.Uint64("incidentId", in.IncidentID), zap.Error(err))
		return err
	}
	return nil
}

// PublishVerification announces the verification to the reporter's
// subscribers and the refreshed summary to the session account's.
func (ac *Context) PublishVerification(ctx context.Context, in types.PublishVerificationInput) error {
	if in.Reporter != "" {
		ev, err := redis.NewEvent(redis.EventIncidentVerified, in.Reporter, in.Receipt)
		if err != nil {
			return err
		}
		ev.IncidentID = in.IncidentID
		ev.TxHash = in.Receipt.TxHash
		ac.Publisher.PublishEvent(ctx, ev)
	}
	if in.Summary != nil {
		ev, err := redis.NewEvent(redis.EventSummaryRefreshed, in.Summary.Account.String(), in.Summary)
		if err != nil {
			return err
		}
		ac.Publisher.PublishEvent(ctx, ev)
	}
	return nil
}

// Verify runs the whole verification in-process: the ledger transaction,
// then the audit row and the events. Follow-up failures are reported in Errors.
func (ac *Context) Verify(ctx context.Context, in types.VerifyIncidentInput) (types.VerifyIncidentOutput, error) {
	sent, err := ac.SendVerification(ctx, in)
	if err != nil {
		return types.VerifyIncidentOutput{IncidentID: in.IncidentID}, err
	}
	out := OutputOf(sent)
	if err := ac.RecordVerification(ctx, RecordInputOf(sent)); err != nil {
		out.Errors = append(out.Errors, "audit: "+err.Error())
	}
	if err := ac.PublishVerification(ctx, PublishInputOf(sent)); err != nil {
		out.Errors = append(out.Errors, "publish: "+err.Error())
	}
	return out, nil
}

// OutputOf is the workflow output of a successful SendVerification.
func OutputOf(sent types.SendVerificationOutput) types.VerifyIncidentOutput {
	return types.VerifyIncidentOutput{
		IncidentID: sent.IncidentID,
		Reporter:   sent.Reporter,
		Receipt:    sent.Receipt,
		Reward:     sent.Reward,
		Summary:    sent.Summary,
		RefreshErr: sent.RefreshErr,
	}
}

func RecordInputOf(sent types.SendVerificationOutput) types.RecordVerificationInput {
	return types.RecordVerificationInput{
		IncidentID: sent.IncidentID,
		Reporter:   sent.Reporter,
		Actor:      sent.Actor,
		Receipt:    sent.Receipt,
		Reward:     sent.Reward,
	}
}

func PublishInputOf(sent types.SendVerificationOutput) types.PublishVerificationInput {
	return types.PublishVerificationInput{
		IncidentID: sent.IncidentID,
		Reporter:   sent.Reporter,
		Receipt:    sent.Receipt,
		Summary:    sent.Summary,
	}
}
