package watcher

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
	"github.com/virtualvasu/saferoads-filecoin/pkg/retry"
)

// DefaultSpec refreshes every minute. Specs carry a seconds field.
const DefaultSpec = "0 * * * * *"

// Refresher rebuilds the summary of one account.
type Refresher interface {
	Refresh(ctx context.Context, account ledger.Account) (*reconcile.AccountSummary, error)
}

// State is what the watcher knows about one watched account.
type State struct {
	Account     ledger.Account            `json:"account"`
	Refreshes   int                       `json:"refreshes"`
	LastRefresh time.Time                 `json:"lastRefresh,omitempty"`
	LastError   string                    `json:"lastError,omitempty"`
	Summary     *reconcile.AccountSummary `json:"summary,omitempty"`
}

type Options struct {
	// Spec is the cron schedule, seconds field first.
	Spec string
	// RunTimeout bounds one pass over every account.
	RunTimeout time.Duration
	Retry      retry.Config
}

// Watcher periodically refreshes a set of accounts and publishes every summary.
type Watcher struct {
	engine    Refresher
	publisher redis.Publisher
	logger    *zap.Logger

	accounts *xsync.Map[string, State]
	cron     *cron.Cron
	spec     string
	timeout  time.Duration
	retry    retry.Config
	running  atomic.Bool
}

// New builds a watcher and schedules its job. Jobs derive their context from ctx.
func New(ctx context.Context, engine Refresher, publisher redis.Publisher, logger *zap.Logger, opts Options) (*Watcher, error) {
	if publisher == nil {
		publisher = redis.Discard
	}
	if opts.Spec == "" {
		opts.Spec = DefaultSpec
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = ledger.IsRetryable
	}

	w := &Watcher{
		engine:    engine,
		publisher: publisher,
		logger:    logger,
		accounts:  xsync.NewMap[string, State](),
		spec:      opts.Spec,
		timeout:   opts.RunTimeout,
		retry:     opts.Retry,
	}
	cl := cronLogger{logger.Named("cron").Sugar()}
	w.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl))
	if _, err := w.cron.AddFunc(opts.Spec, func() {
		rctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		w.RefreshAll(rctx)
	}); err != nil {
		return nil, err
	}
	return w, nil
}

func key(account ledger.Account) string { return strings.ToLower(account.String()) }

// Watch adds account. It reports false when it was already watched.
func (w *Watcher) Watch(account ledger.Account) bool {
	_, loaded := w.accounts.LoadOrStore(key(account), State{Account: account})
	if !loaded {
		w.logger.Info("watching account", zap.String("account", account.String()))
	}
	return !loaded
}

// Unwatch removes account. It reports false when it was not watched.
func (w *Watcher) Unwatch(account ledger.Account) bool {
	_, loaded := w.accounts.LoadAndDelete(key(account))
	return loaded
}

// Get returns the state of account.
func (w *Watcher) Get(account ledger.Account) (State, bool) {
	return w.accounts.Load(key(account))
}

// List returns every watched account sorted by address.
func (w *Watcher) List() []State {
	out := make([]State, 0, w.accounts.Size())
	w.accounts.Range(func(_ string, st State) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return key(out[i].Account) < key(out[j].Account) })
	return out
}

// RefreshAll refreshes every watched account once. A pass still running
// when the next tick fires makes that tick a no-op.
func (w *Watcher) RefreshAll(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("previous refresh pass still running, skipping tick")
		return
	}
	defer w.running.Store(false)

	for _, st := range w.List() {
		if ctx.Err() != nil {
			return
		}
		w.refresh(ctx, st.Account)
	}
}

// refresh retries transient failures and keeps the last summary it got,
// partial or not.
func (w *Watcher) refresh(ctx context.Context, account ledger.Account) {
	var summary *reconcile.AccountSummary
	err := retry.WithBackoff(ctx, w.retry, w.logger, "refresh "+account.String(), func() error {
		s, err := w.engine.Refresh(ctx, account)
		if s != nil {
			summary = s
		}
		return err
	})

	now := time.Now().UTC()
	w.accounts.Compute(key(account), func(old State, loaded bool) (State, xsync.ComputeOp) {
		if !loaded {
			// unwatched mid-pass
			return old, xsync.CancelOp
		}
		old.Refreshes++
		old.LastRefresh = now
		old.LastError = ""
		if err != nil {
			old.LastError = err.Error()
		}
		if summary != nil {
			old.Summary = summary
		}
		return old, xsync.UpdateOp
	})

	if err != nil {
		var re *reconcile.RefreshError
		w.logger.Warn("watched account refresh failed",
			zap.String("account", account.String()),
			zap.Bool("partial", errors.As(err, &re) && re.Partial != nil),
			zap.Error(err))
	}
	if summary == nil {
		return
	}
	ev, evErr := redis.NewEvent(redis.EventSummaryRefreshed, account.String(), summary)
	if evErr != nil {
		w.logger.Warn("failed to build summary event", zap.Error(evErr))
		return
	}
	w.publisher.PublishEvent(ctx, ev)
}

// Start starts the scheduler.
func (w *Watcher) Start() {
	w.cron.Start()
	w.logger.Info("watcher started", zap.String("spec", w.spec), zap.Int("accounts", w.accounts.Size()))
}

// Stop stops the scheduler and waits for a running pass.
func (w *Watcher) Stop() {
	<-w.cron.Stop().Done()
}

// cronLogger routes cron's logs to zap.
type cronLogger struct{ *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
