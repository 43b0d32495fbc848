package temporal

const DefaultNamespace = "saferoads"

// Queue names
const (
	QueueVerify = "verify"
)

// Workflow ID patterns
const (
	WorkflowIDVerify = "verify-incident:%d"
)
