package workflow

import (
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/activity"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/types"
)

// VerifyIncidentWorkflow verifies one incident.
// 1. SendVerification - the ledger transaction and the account refresh, attempted once
// 2. RecordVerification and PublishVerification - in parallel, retried, never fail the run
func (wc *Context) VerifyIncidentWorkflow(ctx workflow.Context, in types.VerifyIncidentInput) (types.VerifyIncidentOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting verify incident workflow", "incident_id", in.IncidentID)

	sendCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var sent types.SendVerificationOutput
	if err := workflow.ExecuteActivity(sendCtx, wc.ActivityContext.SendVerification, in).Get(ctx, &sent); err != nil {
		logger.Warn("SendVerification failed", "incident_id", in.IncidentID, "error", err.Error())
		return types.VerifyIncidentOutput{IncidentID: in.IncidentID}, err
	}
	result := activity.OutputOf(sent)

	followCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})

	recordFuture := workflow.ExecuteActivity(followCtx, wc.ActivityContext.RecordVerification, activity.RecordInputOf(sent))
	publishFuture := workflow.ExecuteActivity(followCtx, wc.ActivityContext.PublishVerification, activity.PublishInputOf(sent))

	if err := recordFuture.Get(ctx, nil); err != nil {
		logger.Error("RecordVerification failed", "error", err.Error())
		result.Errors = append(result.Errors, "audit: "+err.Error())
	}
	if err := publishFuture.Get(ctx, nil); err != nil {
		logger.Error("PublishVerification failed", "error", err.Error())
		result.Errors = append(result.Errors, "publish: "+err.Error())
	}

	logger.Info("Verify incident workflow completed",
		"incident_id", in.IncidentID,
		"tx_hash", result.Receipt.TxHash,
		"errors", result.Errors)
	return result, nil
}
