package controller

import (
	"net/http"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// HandleDiagnostics runs the ledger checks. The body carries the verdict; the
// status is always 200 so failing checks stay readable.
func (c *Controller) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.App.Engine.Diagnose(r.Context()))
}

// HandleNetworks lists the network presets and the one in use.
func (c *Controller) HandleNetworks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":   c.App.Engine.Network().Key,
		"networks": ledger.Networks(),
	})
}
