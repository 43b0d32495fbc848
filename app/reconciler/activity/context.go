package activity

import (
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/types"
	"github.com/virtualvasu/saferoads-filecoin/pkg/db/audit"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
)

type Context struct {
	Engine    types.Reconciler
	Network   ledger.Network
	Signer    ledger.Signer
	AuditDB   audit.Store
	Publisher redis.Publisher
	Logger    *zap.Logger
}

// FromApp shares the app's dependencies with the activities.
func FromApp(app *types.App) *Context {
	publisher := app.Publisher
	if publisher == nil {
		publisher = redis.Discard
	}
	return &Context{
		Engine:    app.Engine,
		Network:   app.Network,
		Signer:    app.Signer,
		AuditDB:   app.AuditDB,
		Publisher: publisher,
		Logger:    app.Logger.Named("activity"),
	}
}
