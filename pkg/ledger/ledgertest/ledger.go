// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// Ledger is an in-memory ledger.Client. Configure the exported fields before
// handing it to concurrent code; the methods are safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	Chain        uint64
	OwnerAccount ledger.Account
	Rate         *big.Int
	Balance      *big.Int
	Bytecode     []byte
	Incidents    map[uint64]ledger.Incident
	LastID       uint64

	FetchErr  map[uint64]error
	Delay     map[uint64]time.Duration
	VerifyErr error
	LastIDErr error

	fetched     map[uint64]int
	lastIDCalls int
	sent        []uint64
}

var _ ledger.Client = (*Ledger)(nil)

// New returns a funded ledger on Filecoin Calibration paying 0.05 per verification.
func New(owner ledger.Account) *Ledger {
	return &Ledger{
		Chain:        ledger.FilecoinCalibration.ChainID,
		OwnerAccount: owner,
		Rate:         big.NewInt(5e16),
		Balance:      big.NewInt(1e18),
		Bytecode:     []byte{0x60, 0x80},
		Incidents:    map[uint64]ledger.Incident{},
		FetchErr:     map[uint64]error{},
		Delay:        map[uint64]time.Duration{},
		fetched:      map[uint64]int{},
	}
}

// NewSigner returns a signer over a fresh key.
func NewSigner(t testing.TB) *ledger.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return ledger.NewKeySignerFromKey(key)
}

// Report appends an incident the way the contract assigns ids.
func (l *Ledger) Report(by ledger.Account, verified bool) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LastID++
	l.Incidents[l.LastID] = ledger.Incident{
		ID:          l.LastID,
		Description: fmt.Sprintf("ipfs://incident-%d", l.LastID),
		ReportedBy:  by,
		CreatedAt:   time.Unix(1717000000+int64(l.LastID), 0).UTC(),
		Verified:    verified,
	}
	return l.LastID
}

// FetchCount is how often Incident(id) was called.
func (l *Ledger) FetchCount(id uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetched[id]
}

// LastIDCalls is how often LastIncidentID was called.
func (l *Ledger) LastIDCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIDCalls
}

// Sent lists the ids of submitted verifications.
func (l *Ledger) Sent() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.sent...)
}

func (l *Ledger) ChainID(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Chain, nil
}

func (l *Ledger) LastIncidentID(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastIDCalls++
	if l.LastIDErr != nil {
		return 0, l.LastIDErr
	}
	return l.LastID, nil
}

func (l *Ledger) Incident(ctx context.Context, id uint64) (*ledger.Incident, error) {
	l.mu.Lock()
	l.fetched[id]++
	delay := l.Delay[id]
	err := l.FetchErr[id]
	inc, ok := l.Incidents[id]
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: incident %d: %w", ledger.ErrTimeout, id, ctx.Err())
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: incident %d", ledger.ErrNotFound, id)
	}
	return &inc, nil
}

func (l *Ledger) ContractBalance(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.Balance), nil
}

func (l *Ledger) RewardRate(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.Rate), nil
}

func (l *Ledger) Owner(context.Context) (ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.OwnerAccount, nil
}

func (l *Ledger) Code(context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Bytecode, nil
}

// VerifyIncident behaves like the contract: only the owner may verify and
// the reward is paid out of the balance.
func (l *Ledger) VerifyIncident(_ context.Context, id uint64, signer ledger.Signer) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, id)
	if l.VerifyErr != nil {
		return nil, l.VerifyErr
	}
	inc, ok := l.Incidents[id]
	if !ok || inc.Verified || !signer.Address().Equal(l.OwnerAccount) || l.Balance.Cmp(l.Rate) < 0 {
		return &ledger.Receipt{TxHash: fmt.Sprintf("0x%064x", id), Success: false}, fmt.Errorf("%w: execution reverted", ledger.ErrLedgerRejected)
	}
	inc.Verified = true
	l.Incidents[id] = inc
	l.Balance = new(big.Int).Sub(l.Balance, l.Rate)
	return &ledger.Receipt{TxHash: fmt.Sprintf("0x%064x", id), BlockNumber: 100 + id, GasUsed: 50000, Success: true}, nil
}
