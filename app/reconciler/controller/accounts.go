package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
)

func accountVar(r *http.Request) (ledger.Account, error) {
	return ledger.ParseAccount(mux.Vars(r)["account"])
}

// HandleSummary refreshes the summary of an account and publishes it to live subscribers.
// A scan that stopped early answers with the error and the partial summary.
func (c *Controller) HandleSummary(w http.ResponseWriter, r *http.Request) {
	account, err := accountVar(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	summary, err := c.App.Engine.Refresh(r.Context(), account)
	if err != nil {
		var re *reconcile.RefreshError
		if errors.As(err, &re) && re.Partial != nil {
			c.writeError(w, r, err, re.Partial)
			return
		}
		c.writeError(w, r, err, nil)
		return
	}

	if ev, evErr := redis.NewEvent(redis.EventSummaryRefreshed, account.String(), summary); evErr == nil {
		c.Activities.Publisher.PublishEvent(r.Context(), ev)
	} else {
		c.App.Logger.Warn("Failed to build summary event", zap.Error(evErr))
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleVerifications lists the audited verifications of incidents reported by an account.
func (c *Controller) HandleVerifications(w http.ResponseWriter, r *http.Request) {
	if c.App.AuditDB == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "verification audit log disabled"})
		return
	}
	account, err := accountVar(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := c.App.AuditDB.VerificationsByReporter(r.Context(), c.App.Engine.Network().Key, account, limit)
	if err != nil {
		c.App.Logger.Error("Failed to query verifications", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":       account,
		"verifications": rows,
	})
}
