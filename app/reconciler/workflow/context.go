package workflow

import (
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/activity"
	"github.com/virtualvasu/saferoads-filecoin/pkg/temporal"
)

// Workflow names
const (
	VerifyIncidentWorkflowName = "VerifyIncidentWorkflow"
)

// Context holds dependencies for verification workflows.
type Context struct {
	TemporalClient  *temporal.Client
	ActivityContext *activity.Context
}
