package types

import (
	"context"
	"net/http"
	"time"

	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/watcher"
	"github.com/virtualvasu/saferoads-filecoin/pkg/db/audit"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
	"github.com/virtualvasu/saferoads-filecoin/pkg/temporal"
)

type App struct {
	// Reconciliation engine over the configured ledger
	Engine  Reconciler
	Network ledger.Network

	// Signer of verifications, nil when VERIFIER_PRIVATE_KEY is unset
	Signer ledger.Signer

	// Redis Client (for WebSocket real-time events), nil when disabled
	RedisClient *redis.Client
	// Publisher is RedisClient or redis.Discard
	Publisher redis.Publisher

	// Verification audit log, nil when disabled
	AuditDB audit.Store

	// Temporal, nil when disabled; verifications then run in-process
	TemporalClient *temporal.Client
	Worker         worker.Worker

	// Periodic refresh of watched accounts
	Watcher *watcher.Watcher

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start starts the worker, the watcher and the server and blocks until ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.Worker != nil {
		if err := a.Worker.Start(); err != nil {
			a.Logger.Fatal("Unable to start verify worker", zap.Error(err))
		}
		a.Logger.Info("Verify worker started")
	}
	if a.Watcher != nil {
		a.Watcher.Start()
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Watcher != nil {
		a.Logger.Info("Stopping watcher")
		a.Watcher.Stop()
	}
	if a.Worker != nil {
		a.Logger.Info("Stopping verify worker")
		a.Worker.Stop()
	}
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if a.AuditDB != nil {
		if err := a.AuditDB.Close(); err != nil {
			a.Logger.Error("Failed to close audit database", zap.Error(err))
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close Redis client", zap.Error(err))
		}
	}
	a.Engine.Close()

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
