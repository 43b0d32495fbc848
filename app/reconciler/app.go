package reconciler

import (
	"context"
	"time"

	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/activity"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/types"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/watcher"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/workflow"
	"github.com/virtualvasu/saferoads-filecoin/pkg/db/audit"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/logging"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
	"github.com/virtualvasu/saferoads-filecoin/pkg/temporal"
	"github.com/virtualvasu/saferoads-filecoin/pkg/utils"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	network, err := NetworkFromEnv()
	if err != nil {
		logger.Fatal("Invalid network configuration", zap.Error(err))
	}

	contract := utils.Env("LEDGER_CONTRACT", "")
	if contract == "" {
		logger.Fatal("LEDGER_CONTRACT environment variable is required")
	}
	callTimeout := utils.EnvDuration("LEDGER_CALL_TIMEOUT", 15*time.Second)

	// RPS/Burst are per process and shared by every endpoint
	client, err := ledger.NewHTTPWithOpts(ledger.Opts{
		Endpoints:       utils.EnvList("LEDGER_RPC_URLS", []string{network.RPCURL}),
		Contract:        contract,
		Timeout:         callTimeout,
		RPS:             utils.EnvInt("LEDGER_RPS", 20),
		Burst:           utils.EnvInt("LEDGER_BURST", 40),
		BreakerFailures: utils.EnvInt("LEDGER_BREAKER_FAILURES", 3),
		BreakerCooldown: utils.EnvDuration("LEDGER_BREAKER_COOLDOWN", 5*time.Second),
	})
	if err != nil {
		logger.Fatal("Unable to initialize ledger client", zap.Error(err))
	}

	engine := reconcile.New(client, logger, reconcile.Config{
		Network:       network,
		Contract:      contract,
		Concurrency:   utils.EnvInt("SCAN_CONCURRENCY", 0),
		CallTimeout:   callTimeout,
		VerifyTimeout: utils.EnvDuration("VERIFY_TIMEOUT", 2*time.Minute),
		MaxIncidents:  utils.EnvUint64("SCAN_MAX_INCIDENTS", reconcile.DefaultMaxIncidents),
	})

	app := &types.App{
		Engine:    engine,
		Network:   network,
		Publisher: redis.Discard,
		Logger:    logger,
	}

	if key := utils.Env("VERIFIER_PRIVATE_KEY", ""); key != "" {
		signer, err := ledger.NewKeySigner(key)
		if err != nil {
			logger.Fatal("Invalid VERIFIER_PRIVATE_KEY", zap.Error(err))
		}
		app.Signer = signer
		logger.Info("Verifier configured", zap.String("account", signer.Address().String()))
	} else {
		logger.Warn("VERIFIER_PRIVATE_KEY not set - verifications will be rejected")
	}

	// Redis client for real-time WebSocket events (optional)
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err := redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - real-time events will be disabled", zap.Error(err))
		} else {
			app.RedisClient = redisClient
			app.Publisher = redisClient
			logger.Info("Redis client initialized for real-time events")
		}
	} else {
		logger.Info("Redis disabled - real-time events will not be available")
	}

	if utils.EnvBool("AUDIT_ENABLED", false) {
		auditDB, err := audit.New(ctx, logger, utils.Env("AUDIT_DATABASE", "saferoads_audit"))
		if err != nil {
			logger.Fatal("Unable to initialize audit database", zap.Error(err))
		}
		app.AuditDB = auditDB
	}

	if utils.EnvBool("TEMPORAL_ENABLED", false) {
		if err := initTemporal(ctx, app); err != nil {
			logger.Fatal("Unable to establish temporal connection", zap.Error(err))
		}
	} else {
		logger.Info("Temporal disabled - verifications run in-process")
	}

	w, err := watcher.New(ctx, engine, app.Publisher, logger, watcher.Options{
		Spec:       utils.Env("WATCH_CRON", watcher.DefaultSpec),
		RunTimeout: utils.EnvDuration("WATCH_TIMEOUT", 5*time.Minute),
	})
	if err != nil {
		logger.Fatal("Unable to initialize watcher", zap.Error(err))
	}
	for _, raw := range utils.EnvList("WATCH_ACCOUNTS", nil) {
		account, err := ledger.ParseAccount(raw)
		if err != nil {
			logger.Warn("Ignoring invalid WATCH_ACCOUNTS entry", zap.String("account", raw), zap.Error(err))
			continue
		}
		w.Watch(account)
	}
	app.Watcher = w

	return app
}

// NetworkFromEnv resolves LEDGER_NETWORK, with LEDGER_CHAIN_ID and
// LEDGER_EXPLORER_URL overriding the preset.
func NetworkFromEnv() (ledger.Network, error) {
	network, err := ledger.NetworkByKey(utils.Env("LEDGER_NETWORK", ""))
	if err != nil {
		return ledger.Network{}, err
	}
	network.ChainID = utils.EnvUint64("LEDGER_CHAIN_ID", network.ChainID)
	network.ExplorerURL = utils.Env("LEDGER_EXPLORER_URL", network.ExplorerURL)
	return network, nil
}

func initTemporal(ctx context.Context, app *types.App) error {
	temporalClient, err := temporal.NewClient(ctx, app.Logger)
	if err != nil {
		return err
	}
	if err := temporalClient.EnsureNamespace(ctx, 7*24*time.Hour); err != nil {
		temporalClient.Close()
		return err
	}
	app.TemporalClient = temporalClient

	activityContext := activity.FromApp(app)
	workflowContext := workflow.Context{
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
	}

	// A single signer serializes nonces, so verifications stay few and sequential.
	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.VerifyQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers:       2,
			MaxConcurrentActivityTaskPollers:       2,
			MaxConcurrentActivityExecutionSize:     utils.EnvInt("VERIFY_WORKER_CONCURRENCY", 4),
			MaxConcurrentWorkflowTaskExecutionSize: 100,
			WorkerStopTimeout:                      1 * time.Minute,
		},
	)
	wkr.RegisterWorkflowWithOptions(
		workflowContext.VerifyIncidentWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.VerifyIncidentWorkflowName},
	)
	wkr.RegisterActivity(activityContext.SendVerification)
	wkr.RegisterActivity(activityContext.RecordVerification)
	wkr.RegisterActivity(activityContext.PublishVerification)
	app.Worker = wkr

	app.Logger.Info("Verify worker configured",
		zap.String("namespace", temporalClient.Namespace),
		zap.String("queue", temporalClient.VerifyQueue))
	return nil
}
