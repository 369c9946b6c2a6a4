package scheduler

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/cobalt/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/cobalt/internal/scheduler QueueService

// QueueService defines the queue operations used by the scheduler.
type QueueService interface {
	Dequeue(ctx context.Context, queueName string) (*queue.Message, error)
	Complete(ctx context.Context, id string, c queue.Completion) error
	Forward(ctx context.Context, id string, next queue.EnqueueRequest, reply json.RawMessage) (string, error)
	RequeueRunning(ctx context.Context, queueName string) (int, error)
	Depth(ctx context.Context, queueName string) (int, error)
}

// HostLoad reports live instances per host. *instance.Store satisfies it.
type HostLoad interface {
	CountByHost(ctx context.Context) (map[string]int, error)
}
