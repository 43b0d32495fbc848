package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger/ledgertest"
)

func newTestScanner(t *testing.T, f *ledgertest.Ledger, concurrency int, timeout time.Duration) *Scanner {
	t.Helper()
	s := NewScanner(f, zaptest.NewLogger(t), ScannerOpts{Concurrency: concurrency, CallTimeout: timeout})
	t.Cleanup(s.Close)
	return s
}

func ids(records []Record) []uint64 {
	out := make([]uint64, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestScan_EmptyLedger(t *testing.T) {
	f := ledgertest.New(alice)
	s := newTestScanner(t, f, 4, time.Second)

	res := s.Scan(context.Background(), 0)
	assert.Empty(t, res.Records)
	assert.NoError(t, res.Fatal)
	assert.Zero(t, f.FetchCount(1))
}

func TestScan_AboveCeilingFailsClosed(t *testing.T) {
	f := ledgertest.New(alice)
	for i := 0; i < 4; i++ {
		f.Report(alice, false)
	}
	s := NewScanner(f, zaptest.NewLogger(t), ScannerOpts{Concurrency: 2, CallTimeout: time.Second, MaxIncidents: 3})
	t.Cleanup(s.Close)

	res := s.Scan(context.Background(), 4)
	assert.ErrorIs(t, res.Fatal, ledger.ErrDecode)
	assert.Empty(t, res.Records)
	for id := uint64(1); id <= 4; id++ {
		assert.Zero(t, f.FetchCount(id))
	}

	var huge ScanResult
	require.NotPanics(t, func() { huge = s.Scan(context.Background(), math.MaxUint64) })
	assert.ErrorIs(t, huge.Fatal, ledger.ErrDecode)

	res = s.Scan(context.Background(), 3)
	require.NoError(t, res.Fatal)
	assert.Equal(t, []uint64{1, 2, 3}, ids(res.Records))
}

func TestScan_AscendingRegardlessOfCompletionOrder(t *testing.T) {
	f := ledgertest.New(alice)
	for i := 0; i < 6; i++ {
		f.Report(alice, i%2 == 0)
	}
	// Earlier ids finish last.
	for id := uint64(1); id <= 6; id++ {
		f.Delay[id] = time.Duration(7-id) * 5 * time.Millisecond
	}
	s := newTestScanner(t, f, 6, time.Second)

	res := s.Scan(context.Background(), 6)
	require.NoError(t, res.Fatal)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, ids(res.Records))
	for id := uint64(1); id <= 6; id++ {
		assert.Equal(t, 1, f.FetchCount(id), "id %d fetched once", id)
	}
}

func TestScan_SingleFailureIsIsolated(t *testing.T) {
	f := ledgertest.New(alice)
	for i := 0; i < 4; i++ {
		f.Report(alice, false)
	}
	f.FetchErr[2] = fmt.Errorf("%w: connection reset", ledger.ErrNetwork)
	s := newTestScanner(t, f, 2, time.Second)

	res := s.Scan(context.Background(), 4)
	require.NoError(t, res.Fatal)
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids(res.Records))
	assert.Equal(t, []uint64{2}, res.Failed())
	assert.Len(t, res.Incidents(), 3)

	failed := res.Records[1]
	assert.Nil(t, failed.Incident)
	assert.ErrorIs(t, failed.Err, ledger.ErrFetch)
}

func TestScan_FatalAtK(t *testing.T) {
	for _, concurrency := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			f := ledgertest.New(alice)
			for i := 0; i < 6; i++ {
				f.Report(alice, true)
			}
			f.FetchErr[4] = fmt.Errorf("%w: INSUFFICIENT_PAYER_BALANCE", ledger.ErrInsufficientBalance)
			s := newTestScanner(t, f, concurrency, time.Second)

			res := s.Scan(context.Background(), 6)
			require.Error(t, res.Fatal)
			assert.ErrorIs(t, res.Fatal, ledger.ErrInsufficientBalance)
			assert.Equal(t, []uint64{1, 2, 3}, ids(res.Records))
			assert.Empty(t, res.Failed())
			if concurrency == 1 {
				assert.Zero(t, f.FetchCount(5))
				assert.Zero(t, f.FetchCount(6))
			}
		})
	}
}

func TestScan_PerCallTimeout(t *testing.T) {
	f := ledgertest.New(alice)
	f.Report(alice, false)
	f.Report(alice, false)
	f.Delay[2] = time.Second
	s := newTestScanner(t, f, 2, 30*time.Millisecond)

	res := s.Scan(context.Background(), 2)
	require.NoError(t, res.Fatal)
	assert.Equal(t, []uint64{2}, res.Failed())
	assert.ErrorIs(t, res.Records[1].Err, ledger.ErrTimeout)
	assert.False(t, errors.Is(res.Records[1].Err, ledger.ErrFetch))
}

func TestScan_CancelledContext(t *testing.T) {
	f := ledgertest.New(alice)
	f.Report(alice, false)
	f.Report(alice, false)
	s := newTestScanner(t, f, 2, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.Scan(ctx, 2)
	assert.ErrorIs(t, res.Fatal, context.Canceled)
	assert.Empty(t, res.Records)
}

func TestScan_DeadlineIsTimeout(t *testing.T) {
	f := ledgertest.New(alice)
	for i := 0; i < 3; i++ {
		f.Report(alice, false)
	}
	f.Delay[3] = time.Second
	s := newTestScanner(t, f, 1, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := s.Scan(ctx, 3)
	assert.ErrorIs(t, res.Fatal, ledger.ErrTimeout)
	assert.Equal(t, []uint64{1, 2}, ids(res.Records))
}

func TestScanParallelism(t *testing.T) {
	assert.Equal(t, 1, ScanParallelism(1))
	assert.Equal(t, 64, ScanParallelism(500))
	n := ScanParallelism(0)
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 16)
}
