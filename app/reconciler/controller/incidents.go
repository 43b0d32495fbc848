package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/activity"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/types"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/workflow"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
)

// HandleIncidents returns a snapshot of the whole ledger.
func (c *Controller) HandleIncidents(w http.ResponseWriter, r *http.Request) {
	snap, err := c.App.Engine.Snapshot(r.Context())
	if err != nil {
		if snap != nil {
			c.writeError(w, r, err, snap)
			return
		}
		c.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type verifyResponse struct {
	IncidentID   uint64                    `json:"incidentId"`
	TxHash       string                    `json:"txHash"`
	TxURL        string                    `json:"txUrl"`
	BlockNumber  uint64                    `json:"blockNumber"`
	GasUsed      uint64                    `json:"gasUsed"`
	Reporter     string                    `json:"reporter,omitempty"`
	Reward       string                    `json:"reward,omitempty"`
	Summary      *reconcile.AccountSummary `json:"summary,omitempty"`
	RefreshError string                    `json:"refreshError,omitempty"`
	Warnings     []string                  `json:"warnings,omitempty"`
}

// HandleVerify verifies an incident as the configured signer, then refreshes
// the account given in ?account= (the signer's by default).
func (c *Controller) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		writeBadRequest(w, "incident id must be a positive integer")
		return
	}
	account := r.URL.Query().Get("account")
	if account != "" {
		if _, err := ledger.ParseAccount(account); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}

	in := types.VerifyIncidentInput{IncidentID: id, Account: account, RequestedBy: c.currentUser(r)}
	out, err := c.verify(r.Context(), in)
	if err != nil {
		c.writeError(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		IncidentID:   out.IncidentID,
		TxHash:       out.Receipt.TxHash,
		TxURL:        c.App.Engine.Network().TxURL(out.Receipt.TxHash),
		BlockNumber:  out.Receipt.BlockNumber,
		GasUsed:      out.Receipt.GasUsed,
		Reporter:     out.Reporter,
		Reward:       out.Reward,
		Summary:      out.Summary,
		RefreshError: out.RefreshErr,
		Warnings:     out.Errors,
	})
}

// verify runs the verification workflow when Temporal is enabled and
// in-process otherwise.
func (c *Controller) verify(ctx context.Context, in types.VerifyIncidentInput) (types.VerifyIncidentOutput, error) {
	if c.App.TemporalClient == nil {
		out, err := c.Activities.Verify(ctx, in)
		return out, activity.LedgerError(err)
	}

	var out types.VerifyIncidentOutput
	run, err := c.App.TemporalClient.StartVerifyWorkflow(ctx, in.IncidentID, workflow.VerifyIncidentWorkflowName, in)
	if err != nil {
		c.App.Logger.Error("Failed to start verify workflow", zap.Uint64("incidentId", in.IncidentID), zap.Error(err))
		return out, fmt.Errorf("%w: start verify workflow: %w", ledger.ErrNetwork, err)
	}
	c.App.Logger.Info("Verify workflow started",
		zap.Uint64("incidentId", in.IncidentID),
		zap.String("workflowId", run.GetID()),
		zap.String("runId", run.GetRunID()))

	if err := run.Get(ctx, &out); err != nil {
		err = activity.LedgerError(err)
		if ledger.Kind(err) == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ledger.ErrTimeout, err)
		}
		return out, err
	}
	return out, nil
}
