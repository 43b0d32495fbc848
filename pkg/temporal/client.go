package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/virtualvasu/saferoads-filecoin/pkg/utils"
)

type Client struct {
	TClient   client.Client
	HostPort  string
	Namespace string

	// VerifyQueue is the task queue of the verification worker.
	VerifyQueue string

	logger *zap.Logger
}

type Health struct {
	ConnectionOK bool                      `json:"connection_ok"`
	VerifyQueue  []*taskqueuepb.PollerInfo `json:"verify_queue"`
}

// NewClient connects using TEMPORAL_HOSTPORT and TEMPORAL_NAMESPACE.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", DefaultNamespace)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))
	tClient, err := Dial(ctx, host, ns, NewZapAdapter(logger))
	if err != nil {
		return nil, err
	}
	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		tClient.Close()
		return nil, err
	}

	return &Client{
		TClient:     tClient,
		HostPort:    host,
		Namespace:   ns,
		VerifyQueue: utils.Env("TEMPORAL_VERIFY_QUEUE", QueueVerify),
		logger:      logger,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// Close closes the underlying client.
func (c *Client) Close() {
	if c.TClient != nil {
		c.TClient.Close()
	}
}

// EnsureNamespace creates the namespace when the server does not know it yet.
func (c *Client) EnsureNamespace(ctx context.Context, retention time.Duration) error {
	nsClient, err := client.NewNamespaceClient(client.Options{
		HostPort: c.HostPort,
		Logger:   NewZapAdapter(c.logger),
	})
	if err != nil {
		return fmt.Errorf("failed to create namespace client: %w", err)
	}
	defer nsClient.Close()

	for attempt := 0; attempt < 5; attempt++ {
		_, err = nsClient.Describe(ctx, c.Namespace)
		if err == nil {
			return nil
		}
		var notFound *serviceerror.NamespaceNotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to describe namespace: %w", err)
		}
		if attempt == 0 {
			err = nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
				Namespace:                        c.Namespace,
				WorkflowExecutionRetentionPeriod: durationpb.New(retention),
			})
			var exists *serviceerror.NamespaceAlreadyExists
			if err != nil && !errors.As(err, &exists) {
				return fmt.Errorf("failed to register namespace: %w", err)
			}
		}
		// registration is eventually visible
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("namespace %s not visible after registration", c.Namespace)
}

// VerifyWorkflowID is the workflow id of the verification of incident id.
// At most one verification of an incident runs at a time.
func (c *Client) VerifyWorkflowID(id uint64) string {
	return fmt.Sprintf(WorkflowIDVerify, id)
}

// Health reports connectivity and the pollers of the verify queue.
func (c *Client) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if _, err := c.TClient.CheckHealth(ctx, nil); err != nil {
		return Health{}, err
	}
	h := Health{ConnectionOK: true}
	if svc := c.TClient.WorkflowService(); svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservice.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.VerifyQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.VerifyQueue = rep.GetPollers()
		}
	}
	return h, nil
}

// StartVerifyWorkflow starts the verification workflow of incident id on the
// verify queue. A run already in flight for the same incident is joined.
func (c *Client) StartVerifyWorkflow(ctx context.Context, id uint64, workflow string, input interface{}) (client.WorkflowRun, error) {
	return c.TClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       c.VerifyWorkflowID(id),
		TaskQueue:                c.VerifyQueue,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		WorkflowExecutionTimeout: 10 * time.Minute,
	}, workflow, input)
}
