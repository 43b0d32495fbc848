package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// transition checks the only allowed move of the verification state machine.
func transition(from ledger.State) (ledger.State, error) {
	switch from {
	case ledger.StatePending:
		return ledger.StateVerified, nil
	case ledger.StateVerified:
		return from, ledger.ErrAlreadyVerified
	default:
		return from, fmt.Errorf("unknown state %d", from)
	}
}

// Verification is a sent verification transaction together with what the
// verifier read right before sending it.
type Verification struct {
	Receipt *ledger.Receipt `json:"receipt"`
	// Incident as read before sending, marked verified once the transaction succeeded.
	Incident ledger.Incident `json:"incident"`
	// Reward is the rate paid to the reporter, in the native unit.
	Reward decimal.Decimal `json:"reward"`
}

// Verifier drives pending -> verified on the ledger. Calls are serialized.
type Verifier struct {
	client        ledger.Client
	logger        *zap.Logger
	network       ledger.Network
	callTimeout   time.Duration
	verifyTimeout time.Duration

	mu sync.Mutex
}

// NewVerifier builds a verifier. verifyTimeout bounds submission plus receipt wait.
func NewVerifier(client ledger.Client, logger *zap.Logger, network ledger.Network, callTimeout, verifyTimeout time.Duration) *Verifier {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	if verifyTimeout <= 0 {
		verifyTimeout = 3 * time.Minute
	}
	return &Verifier{
		client:        client,
		logger:        logger,
		network:       network,
		callTimeout:   callTimeout,
		verifyTimeout: verifyTimeout,
	}
}

// Verify marks incident id as verified, acting as signer. It returns once the
// transaction is mined. Nothing is changed when any precondition fails:
// the signer must be the ledger owner, the incident must exist and be
// pending, and the contract must hold at least one reward. A failed send still
// returns the verification with whatever receipt the ledger produced.
func (v *Verifier) Verify(ctx context.Context, id uint64, signer ledger.Signer) (*Verification, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: no signer", ledger.ErrUnauthorized)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	actor := signer.Address()
	log := v.logger.With(zap.Uint64("incidentId", id), zap.String("actor", actor.String()))

	owner, err := withTimeout(ctx, v.callTimeout, v.client.Owner)
	if err != nil {
		return nil, fmt.Errorf("read owner: %w", err)
	}
	if !owner.Equal(actor) {
		log.Warn("verification refused", zap.String("owner", owner.String()))
		return nil, fmt.Errorf("%w: %s is not %s", ledger.ErrUnauthorized, actor, owner)
	}

	incident, err := withTimeout(ctx, v.callTimeout, func(ctx context.Context) (*ledger.Incident, error) {
		return v.client.Incident(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("incident %d: %w", id, err)
		}
		return nil, fmt.Errorf("read incident %d: %w", id, err)
	}
	if _, err := transition(incident.State()); err != nil {
		return nil, fmt.Errorf("incident %d: %w", id, err)
	}

	rate, err := withTimeout(ctx, v.callTimeout, v.client.RewardRate)
	if err != nil {
		return nil, fmt.Errorf("read reward rate: %w", err)
	}
	balance, err := withTimeout(ctx, v.callTimeout, v.client.ContractBalance)
	if err != nil {
		return nil, fmt.Errorf("read contract balance: %w", err)
	}
	if balance.Cmp(rate) < 0 {
		return nil, fmt.Errorf("%w: contract balance %s below reward %s", ledger.ErrLedgerRejected, balance, rate)
	}

	sendCtx, cancel := context.WithTimeout(ctx, v.verifyTimeout)
	defer cancel()
	receipt, err := v.client.VerifyIncident(sendCtx, id, signer)
	out := &Verification{Receipt: receipt, Incident: *incident, Reward: v.network.ToNative(rate)}
	if err != nil {
		log.Warn("verification failed", zap.Error(err))
		return out, fmt.Errorf("verify incident %d: %w", id, err)
	}
	out.Incident.Verified = true
	log.Info("incident verified",
		zap.String("txHash", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
		zap.String("reward", out.Reward.String()))
	return out, nil
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(callCtx)
}
