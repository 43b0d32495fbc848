package controller

import (
	"context"
	"net/http"
	"time"
)

type componentHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Network    string                     `json:"network"`
	ChainID    uint64                     `json:"chainId"`
	Components map[string]componentHealth `json:"components"`
}

// HandleHealth checks the ledger endpoint serves the configured chain, plus
// the optional Redis and Temporal connections. Only the ledger decides the status.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	network := c.App.Engine.Network()
	resp := healthResponse{
		Status:     "ok",
		Network:    network.Key,
		ChainID:    network.ChainID,
		Components: map[string]componentHealth{},
	}
	status := http.StatusOK

	ledgerHealth := componentHealth{OK: true}
	if err := c.App.Engine.CheckNetwork(ctx); err != nil {
		ledgerHealth = componentHealth{Error: err.Error()}
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	resp.Components["ledger"] = ledgerHealth

	if c.App.RedisClient != nil {
		h := componentHealth{OK: true}
		if err := c.App.RedisClient.Health(ctx); err != nil {
			h = componentHealth{Error: err.Error()}
		}
		resp.Components["redis"] = h
	}
	if c.App.TemporalClient != nil {
		h := componentHealth{OK: true}
		if _, err := c.App.TemporalClient.Health(ctx); err != nil {
			h = componentHealth{Error: err.Error()}
		}
		resp.Components["temporal"] = h
	}

	writeJSON(w, status, resp)
}
