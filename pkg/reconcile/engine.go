package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// Config configures an Engine.
type Config struct {
	Network ledger.Network
	// Contract is only reported by diagnostics.
	Contract      string
	Concurrency   int
	CallTimeout   time.Duration
	VerifyTimeout time.Duration
	// MaxIncidents caps the last incident id a refresh accepts.
	MaxIncidents uint64
}

// Session is the acting identity of a mutating call. The engine keeps none.
type Session struct {
	// Account whose summary is refreshed after verification. Defaults to the signer.
	Account ledger.Account
	Signer  ledger.Signer
}

func (s Session) account() ledger.Account {
	if s.Account != "" {
		return s.Account
	}
	if s.Signer != nil {
		return s.Signer.Address()
	}
	return ""
}

// RefreshError is a failed refresh. Partial holds the summary of what was
// read before the failure, if anything was.
type RefreshError struct {
	Op      string
	Partial *AccountSummary
	Err     error
}

func (e *RefreshError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *RefreshError) Unwrap() error { return e.Err }

// Engine reconciles account summaries against the ledger and drives verification.
type Engine struct {
	client      ledger.Client
	network     ledger.Network
	contract    string
	scanner     *Scanner
	verifier    *Verifier
	logger      *zap.Logger
	callTimeout time.Duration
}

// New builds an engine over client.
func New(client ledger.Client, logger *zap.Logger, cfg Config) *Engine {
	if cfg.Network.ChainID == 0 {
		cfg.Network = ledger.DefaultNetwork
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Engine{
		client:   client,
		network:  cfg.Network,
		contract: cfg.Contract,
		scanner: NewScanner(client, logger.Named("scanner"), ScannerOpts{
			Concurrency:  cfg.Concurrency,
			CallTimeout:  cfg.CallTimeout,
			MaxIncidents: cfg.MaxIncidents,
		}),
		verifier:    NewVerifier(client, logger.Named("verifier"), cfg.Network, cfg.CallTimeout, cfg.VerifyTimeout),
		logger:      logger,
		callTimeout: cfg.CallTimeout,
	}
}

// Close releases the scan pool.
func (e *Engine) Close() {
	e.scanner.Close()
}

// Network returns the configured network.
func (e *Engine) Network() ledger.Network { return e.network }

// CheckNetwork fails with ledger.ErrWrongNetwork when the endpoint serves another chain.
func (e *Engine) CheckNetwork(ctx context.Context) error {
	got, err := withTimeout(ctx, e.callTimeout, e.client.ChainID)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if got != e.network.ChainID {
		return fmt.Errorf("%w: endpoint serves chain %d, expected %d (%s)",
			ledger.ErrWrongNetwork, got, e.network.ChainID, e.network.Name)
	}
	return nil
}

// scanState is everything one scan reads from the ledger.
type scanState struct {
	maxID  uint64
	rate   *big.Int
	result ScanResult
}

// scan reads the last id and the current rate, then every record up to it.
func (e *Engine) scan(ctx context.Context) (*scanState, error) {
	if err := e.CheckNetwork(ctx); err != nil {
		return nil, err
	}
	maxID, err := withTimeout(ctx, e.callTimeout, e.client.LastIncidentID)
	if err != nil {
		return nil, fmt.Errorf("read last incident id: %w", err)
	}
	if err := e.scanner.checkRange(maxID); err != nil {
		return nil, err
	}
	rate, err := withTimeout(ctx, e.callTimeout, e.client.RewardRate)
	if err != nil {
		return nil, fmt.Errorf("read reward rate: %w", err)
	}
	return &scanState{
		maxID:  maxID,
		rate:   rate,
		result: e.scanner.Scan(ctx, maxID),
	}, nil
}

// Refresh rebuilds the summary of account from a full scan. When the scan
// stops early the summary of the records read so far is returned together
// with a *RefreshError.
func (e *Engine) Refresh(ctx context.Context, account ledger.Account) (*AccountSummary, error) {
	start := time.Now()
	st, err := e.scan(ctx)
	if err != nil {
		return nil, &RefreshError{Op: "refresh", Err: err}
	}

	summary := Aggregate(st.result.Records, account, e.network.ToNative(st.rate))
	summary.MaxID = st.maxID
	summary.Partial = st.result.Fatal != nil

	e.logger.Debug("account refreshed",
		zap.String("account", account.String()),
		zap.Uint64("maxId", st.maxID),
		zap.Int("verified", summary.VerifiedCount),
		zap.Int("pending", summary.PendingCount),
		zap.String("totalReward", summary.TotalReward.String()),
		zap.Duration("took", time.Since(start)))

	if st.result.Fatal != nil {
		return &summary, &RefreshError{Op: "refresh", Partial: &summary, Err: st.result.Fatal}
	}
	return &summary, nil
}

// VerifyAndRefresh verifies incident id as session.Signer and, once the
// transaction is confirmed, refreshes the session account. A failed
// verification is returned as is and nothing is refreshed. The verification
// is returned whenever a transaction was sent, even if the refresh fails.
func (e *Engine) VerifyAndRefresh(ctx context.Context, id uint64, session Session) (*AccountSummary, *Verification, error) {
	v, err := e.Verify(ctx, id, session.Signer)
	if err != nil {
		return nil, v, err
	}
	summary, err := e.Refresh(ctx, session.account())
	return summary, v, err
}

// Verify runs only the state transition, after the network check.
func (e *Engine) Verify(ctx context.Context, id uint64, signer ledger.Signer) (*Verification, error) {
	if err := e.CheckNetwork(ctx); err != nil {
		return nil, err
	}
	return e.verifier.Verify(ctx, id, signer)
}
