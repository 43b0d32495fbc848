package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Check is one step of a connection self-test.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Diagnosis is the outcome of Diagnose.
type Diagnosis struct {
	Network  string        `json:"network"`
	ChainID  uint64        `json:"chainId"`
	Contract string        `json:"contract,omitempty"`
	Healthy  bool          `json:"healthy"`
	Checks   []Check       `json:"checks"`
	Took     time.Duration `json:"took"`
}

// Diagnose runs every connection check, including the ones after a failure.
func (e *Engine) Diagnose(ctx context.Context) *Diagnosis {
	start := time.Now()
	d := &Diagnosis{
		Network:  e.network.Name,
		ChainID:  e.network.ChainID,
		Contract: e.contract,
		Healthy:  true,
	}
	record := func(name string, detail string, err error) {
		c := Check{Name: name, OK: err == nil, Detail: detail}
		if err != nil {
			c.Error = err.Error()
			d.Healthy = false
		}
		d.Checks = append(d.Checks, c)
	}

	chainID, err := withTimeout(ctx, e.callTimeout, e.client.ChainID)
	switch {
	case err != nil:
		record("chain_id", "", err)
	case chainID != e.network.ChainID:
		record("chain_id", fmt.Sprintf("got %d", chainID),
			fmt.Errorf("expected chain %d (%s)", e.network.ChainID, e.network.Name))
	default:
		record("chain_id", fmt.Sprintf("%d", chainID), nil)
	}

	code, err := withTimeout(ctx, e.callTimeout, e.client.Code)
	switch {
	case err != nil:
		record("contract_code", "", err)
	case len(code) == 0:
		record("contract_code", "", fmt.Errorf("no contract deployed at address"))
	default:
		record("contract_code", fmt.Sprintf("%d bytes", len(code)), nil)
	}

	owner, err := withTimeout(ctx, e.callTimeout, e.client.Owner)
	record("owner", owner.String(), err)

	lastID, err := withTimeout(ctx, e.callTimeout, e.client.LastIncidentID)
	detail := ""
	if err == nil {
		detail = fmt.Sprintf("%d", lastID)
	}
	record("last_incident_id", detail, err)

	balance, err := withTimeout(ctx, e.callTimeout, e.client.ContractBalance)
	detail = ""
	if err == nil {
		detail = e.network.ToNative(balance).String() + " " + e.network.Currency.Symbol
	}
	record("contract_balance", detail, err)

	d.Took = time.Since(start)
	e.logger.Info("diagnostics complete",
		zap.Bool("healthy", d.Healthy),
		zap.Duration("took", d.Took))
	return d
}
