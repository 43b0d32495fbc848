package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger/ledgertest"
)

func newTestEngine(t *testing.T, f *ledgertest.Ledger) *Engine {
	t.Helper()
	e := New(f, zaptest.NewLogger(t), Config{
		Network:       ledger.FilecoinCalibration,
		Contract:      "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		Concurrency:   4,
		CallTimeout:   time.Second,
		VerifyTimeout: time.Second,
	})
	t.Cleanup(e.Close)
	return e
}

func TestRefresh_EmptyLedger(t *testing.T) {
	f := ledgertest.New(bob)
	e := newTestEngine(t, f)

	s, err := e.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, s.Incidents)
	assert.Zero(t, s.VerifiedCount)
	assert.Zero(t, s.PendingCount)
	assert.True(t, s.TotalReward.IsZero())
	assert.False(t, s.Partial)
}

func TestRefresh_ThreeIncidentScenario(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(bob, false)
	f.Report(alice, true)
	f.Report(bob, true)
	e := newTestEngine(t, f)

	s, err := e.Refresh(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, s.Incidents, 1)
	assert.Equal(t, uint64(2), s.Incidents[0].ID)
	assert.Equal(t, 1, s.VerifiedCount)
	assert.Equal(t, 0, s.PendingCount)
	assert.True(t, s.TotalReward.Equal(decimal.RequireFromString("0.05")), s.TotalReward.String())
	assert.True(t, s.Rate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, uint64(3), s.MaxID)
}

func TestRefresh_RateChangeAppliesToHistory(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(alice, true)
	f.Report(alice, true)
	f.Rate = big.NewInt(1e17)
	e := newTestEngine(t, f)

	s, err := e.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, s.TotalReward.Equal(decimal.RequireFromString("0.2")), s.TotalReward.String())
}

func TestRefresh_SingleFetchFailure(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(alice, true)
	f.Report(alice, false)
	f.Report(alice, true)
	f.FetchErr[2] = fmt.Errorf("%w: flaky", ledger.ErrNetwork)
	e := newTestEngine(t, f)

	s, err := e.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, s.Incidents, 2)
	assert.Equal(t, []uint64{2}, s.Failed)
	assert.Equal(t, 2, s.VerifiedCount)
	assert.False(t, s.Partial)
}

func TestRefresh_FatalReturnsPartialSummary(t *testing.T) {
	f := ledgertest.New(bob)
	for i := 0; i < 5; i++ {
		f.Report(alice, true)
	}
	f.FetchErr[3] = fmt.Errorf("%w: INSUFFICIENT_PAYER_BALANCE", ledger.ErrInsufficientBalance)
	e := newTestEngine(t, f)

	s, err := e.Refresh(context.Background(), alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var re *RefreshError
	require.True(t, errors.As(err, &re))
	require.NotNil(t, re.Partial)
	assert.Same(t, s, re.Partial)

	require.NotNil(t, s)
	assert.True(t, s.Partial)
	assert.Len(t, s.Incidents, 2)
	assert.Equal(t, uint64(1), s.Incidents[0].ID)
	assert.Equal(t, uint64(2), s.Incidents[1].ID)
	assert.True(t, s.TotalReward.Equal(decimal.RequireFromString("0.1")))
}

func TestRefresh_CorruptLastIDFailsClosed(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(alice, true)
	f.LastID = 1 << 62
	e := newTestEngine(t, f)

	var (
		s   *AccountSummary
		err error
	)
	require.NotPanics(t, func() { s, err = e.Refresh(context.Background(), alice) })
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ledger.ErrDecode)
	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Nil(t, re.Partial)
	assert.Zero(t, f.FetchCount(1))
}

func TestRefresh_WrongNetwork(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(alice, true)
	f.Chain = ledger.FilecoinMainnet.ChainID
	e := newTestEngine(t, f)

	s, err := e.Refresh(context.Background(), alice)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ledger.ErrWrongNetwork)
	assert.Zero(t, f.LastIDCalls())
	assert.Zero(t, f.FetchCount(1))

	_, _, err = e.VerifyAndRefresh(context.Background(), 1, Session{Signer: ledgertest.NewSigner(t)})
	assert.ErrorIs(t, err, ledger.ErrWrongNetwork)
	assert.Zero(t, len(f.Sent()))
}

func TestVerify_UnauthorizedLeavesIncidentPending(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	intruder := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	f.Report(alice, false)
	f.Report(alice, false)
	e := newTestEngine(t, f)

	s, v, err := e.VerifyAndRefresh(context.Background(), 2, Session{Account: alice, Signer: intruder})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.Nil(t, s)
	assert.Nil(t, v)
	assert.Zero(t, len(f.Sent()))

	s, err = e.Refresh(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, s.Incidents, 2)
	assert.False(t, s.Incidents[1].Verified)
	assert.Equal(t, 2, s.PendingCount)
}

func TestVerifyAndRefresh(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	f.Report(alice, false)
	f.Report(alice, true)
	e := newTestEngine(t, f)

	s, v, err := e.VerifyAndRefresh(context.Background(), 1, Session{Account: alice, Signer: owner})
	require.NoError(t, err)
	require.NotNil(t, v)
	require.NotNil(t, v.Receipt)
	assert.True(t, v.Receipt.Success)
	assert.Equal(t, uint64(1), v.Incident.ID)
	assert.True(t, v.Incident.ReportedBy.Equal(alice))
	assert.True(t, v.Incident.Verified)
	assert.Equal(t, "0.05", v.Reward.String())
	assert.Equal(t, []uint64{1}, f.Sent())

	assert.Equal(t, 2, s.VerifiedCount)
	assert.Zero(t, s.PendingCount)
	assert.True(t, s.TotalReward.Equal(decimal.RequireFromString("0.1")))
}

func TestVerifyAndRefresh_RefreshFailureKeepsVerification(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	f.Report(alice, false)
	f.LastIDErr = fmt.Errorf("%w: connection refused", ledger.ErrNetwork)
	e := newTestEngine(t, f)

	s, v, err := e.VerifyAndRefresh(context.Background(), 1, Session{Signer: owner})
	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.ErrorIs(t, err, ledger.ErrNetwork)
	assert.Nil(t, s)

	require.NotNil(t, v)
	require.NotNil(t, v.Receipt)
	assert.True(t, v.Incident.ReportedBy.Equal(alice))
	assert.Equal(t, "0.05", v.Reward.String())
	assert.Equal(t, []uint64{1}, f.Sent())
}

func TestVerifyAndRefresh_DefaultsToSignerAccount(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	f.Report(owner.Address(), false)
	e := newTestEngine(t, f)

	s, _, err := e.VerifyAndRefresh(context.Background(), 1, Session{Signer: owner})
	require.NoError(t, err)
	assert.True(t, s.Account.Equal(owner.Address()))
	assert.Equal(t, 1, s.VerifiedCount)
}

func TestVerify_AlreadyVerified(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	f.Report(alice, true)
	e := newTestEngine(t, f)

	_, _, err := e.VerifyAndRefresh(context.Background(), 1, Session{Signer: owner})
	assert.ErrorIs(t, err, ledger.ErrAlreadyVerified)
	assert.Zero(t, len(f.Sent()))
}

func TestVerify_UnknownIncident(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	e := newTestEngine(t, f)

	_, err := e.Verify(context.Background(), 7, owner)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Zero(t, len(f.Sent()))
}

func TestVerify_UnderfundedContract(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	f.Report(alice, false)
	f.Balance = big.NewInt(1e16)
	e := newTestEngine(t, f)

	_, err := e.Verify(context.Background(), 1, owner)
	assert.ErrorIs(t, err, ledger.ErrLedgerRejected)
	assert.Zero(t, len(f.Sent()))
}

func TestVerify_LedgerRejectionPropagates(t *testing.T) {
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	f.Report(alice, false)
	f.VerifyErr = fmt.Errorf("%w: execution reverted", ledger.ErrLedgerRejected)
	e := newTestEngine(t, f)

	s, _, err := e.VerifyAndRefresh(context.Background(), 1, Session{Signer: owner})
	assert.ErrorIs(t, err, ledger.ErrLedgerRejected)
	assert.Nil(t, s)
	assert.Zero(t, f.LastIDCalls())
}

func TestVerify_NoSigner(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(alice, false)
	e := newTestEngine(t, f)

	_, err := e.Verify(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestTransition(t *testing.T) {
	next, err := transition(ledger.StatePending)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateVerified, next)

	_, err = transition(ledger.StateVerified)
	assert.ErrorIs(t, err, ledger.ErrAlreadyVerified)
}

func TestSnapshot(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(alice, true)
	f.Report(bob, false)
	f.Report(alice, false)
	e := newTestEngine(t, f)

	snap, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Incidents, 3)
	assert.Equal(t, 1, snap.VerifiedCount)
	assert.Equal(t, 2, snap.PendingCount)
	assert.Equal(t, bob, snap.Owner)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, ledger.FilecoinCalibration.ChainID, snap.ChainID)
}

func TestDiagnose(t *testing.T) {
	f := ledgertest.New(bob)
	f.Report(alice, false)
	e := newTestEngine(t, f)

	d := e.Diagnose(context.Background())
	assert.True(t, d.Healthy)
	require.Len(t, d.Checks, 5)
	for _, c := range d.Checks {
		assert.True(t, c.OK, c.Name)
	}
	assert.Equal(t, "1", d.Checks[3].Detail)

	f.Bytecode = nil
	f.Chain = 1
	d = e.Diagnose(context.Background())
	assert.False(t, d.Healthy)
	assert.False(t, d.Checks[0].OK)
	assert.False(t, d.Checks[1].OK)
	assert.True(t, d.Checks[2].OK)
}
