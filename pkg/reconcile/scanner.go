package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// Record is the outcome of fetching one incident id: either a fully decoded
// incident or an error, never both.
type Record struct {
	ID       uint64
	Incident *ledger.Incident
	Err      error
}

// OK reports whether the record was fetched.
func (r Record) OK() bool { return r.Err == nil && r.Incident != nil }

// ScanResult holds the records of one scan in ascending id order.
// Fatal is set when the scan stopped early: an insufficient ledger balance
// or the caller abandoning the scan. Records fetched before that are kept.
type ScanResult struct {
	MaxID   uint64
	Records []Record
	Fatal   error
}

// Incidents returns the successfully fetched incidents.
func (r ScanResult) Incidents() []ledger.Incident {
	out := make([]ledger.Incident, 0, len(r.Records))
	for _, rec := range r.Records {
		if rec.OK() {
			out = append(out, *rec.Incident)
		}
	}
	return out
}

// Failed returns the ids whose fetch failed.
func (r ScanResult) Failed() []uint64 {
	var out []uint64
	for _, rec := range r.Records {
		if !rec.OK() {
			out = append(out, rec.ID)
		}
	}
	return out
}

// ScannerOpts configures a Scanner.
type ScannerOpts struct {
	// Concurrency bounds in-flight fetches. 1 scans sequentially.
	Concurrency int
	// CallTimeout bounds every single fetch.
	CallTimeout time.Duration
	// MaxIncidents is the highest last incident id a scan accepts.
	// Defaults to DefaultMaxIncidents.
	MaxIncidents uint64
}

// DefaultMaxIncidents is the scan ceiling when none is configured.
const DefaultMaxIncidents uint64 = 100_000

// Scanner reads ledger records 1..maxID over a bounded worker pool.
type Scanner struct {
	client      ledger.Client
	logger      *zap.Logger
	pool        pond.Pool
	callTimeout time.Duration
	ceiling     uint64
}

// NewScanner builds a scanner with its own bounded pool.
func NewScanner(client ledger.Client, logger *zap.Logger, opts ScannerOpts) *Scanner {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.MaxIncidents == 0 {
		opts.MaxIncidents = DefaultMaxIncidents
	}
	return &Scanner{
		client:      client,
		logger:      logger,
		pool:        pond.NewPool(ScanParallelism(opts.Concurrency)),
		callTimeout: opts.CallTimeout,
		ceiling:     opts.MaxIncidents,
	}
}

// checkRange rejects a last incident id above the scan ceiling. The ledger
// assigns ids one by one, so such a value is a corrupt answer, not a backlog.
func (s *Scanner) checkRange(maxID uint64) error {
	if maxID > s.ceiling {
		return fmt.Errorf("%w: last incident id %d exceeds scan ceiling %d", ledger.ErrDecode, maxID, s.ceiling)
	}
	return nil
}

// ScanParallelism resolves the fan-out of a scan.
func ScanParallelism(override int) int {
	if override > 0 {
		if override > 64 {
			return 64
		}
		return override
	}
	n := runtime.NumCPU() * 2
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}
	return n
}

// Close stops the pool after in-flight fetches drain.
func (s *Scanner) Close() {
	s.pool.StopAndWait()
}

// Scan fetches ids 1..maxID. Per-record failures are kept as records and do
// not stop the scan, except ledger.ErrInsufficientBalance: at id k it stops
// further fetching and the result holds exactly the records below k.
// A maxID above the scan ceiling fetches nothing and fails with ledger.ErrDecode.
func (s *Scanner) Scan(ctx context.Context, maxID uint64) ScanResult {
	result := ScanResult{MaxID: maxID}
	if maxID == 0 {
		return result
	}
	if err := s.checkRange(maxID); err != nil {
		s.logger.Warn("ledger scan refused", zap.Uint64("maxId", maxID), zap.Error(err))
		result.Fatal = err
		return result
	}
	start := time.Now()

	var (
		fetchedMu sync.Mutex
		fetched   []Record
	)
	keep := func(rec Record) {
		fetchedMu.Lock()
		fetched = append(fetched, rec)
		fetchedMu.Unlock()
	}

	var (
		fatalAt  atomic.Uint64
		fatalMu  sync.Mutex
		fatalErr error
	)
	fatalAt.Store(math.MaxUint64)
	noteFatal := func(id uint64, err error) {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		if id < fatalAt.Load() {
			fatalAt.Store(id)
			fatalErr = err
		}
	}

	group := s.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for id := uint64(1); id <= maxID; id++ {
		group.Submit(func() {
			if id > fatalAt.Load() || groupCtx.Err() != nil {
				return
			}
			callCtx, cancel := context.WithTimeout(groupCtx, s.callTimeout)
			incident, err := s.client.Incident(callCtx, id)
			cancel()

			if err != nil {
				if errors.Is(err, ledger.ErrInsufficientBalance) {
					noteFatal(id, err)
					return
				}
				if groupCtx.Err() != nil {
					// abandoned by the caller, not a ledger failure
					return
				}
				s.logger.Debug("incident fetch failed",
					zap.Uint64("incidentId", id),
					zap.Error(err))
				keep(Record{ID: id, Err: recordError(id, err)})
				return
			}
			if incident == nil {
				keep(Record{ID: id, Err: fmt.Errorf("%w: incident %d: empty response", ledger.ErrFetch, id)})
				return
			}
			keep(Record{ID: id, Incident: incident})
		})
	}

	waitErr := group.Wait()

	limit := maxID
	if k := fatalAt.Load(); k != math.MaxUint64 {
		limit = k - 1
		result.Fatal = fmt.Errorf("scan halted at incident %d: %w", k, fatalErr)
	}
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].ID < fetched[j].ID })
	result.Records = make([]Record, 0, len(fetched))
	for _, rec := range fetched {
		if rec.ID > limit {
			break
		}
		result.Records = append(result.Records, rec)
	}

	if result.Fatal == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Fatal = interrupted(ctxErr)
		} else if waitErr != nil && !errors.Is(waitErr, pond.ErrGroupStopped) {
			result.Fatal = fmt.Errorf("scan interrupted: %w", waitErr)
		}
	}

	fields := []zap.Field{
		zap.Uint64("maxId", maxID),
		zap.Int("records", len(result.Records)),
		zap.Int("failed", len(result.Failed())),
		zap.Duration("took", time.Since(start)),
	}
	if result.Fatal != nil {
		s.logger.Warn("ledger scan stopped early", append(fields, zap.Error(result.Fatal))...)
	} else {
		s.logger.Debug("ledger scan complete", fields...)
	}
	return result
}

// recordError tags a single-record failure. Timeouts keep their own kind.
func recordError(id uint64, err error) error {
	if errors.Is(err, ledger.ErrTimeout) || errors.Is(err, ledger.ErrFetch) {
		return fmt.Errorf("incident %d: %w", id, err)
	}
	return fmt.Errorf("%w: incident %d: %w", ledger.ErrFetch, id, err)
}

func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: scan interrupted: %w", ledger.ErrTimeout, err)
	}
	return fmt.Errorf("scan interrupted: %w", err)
}
