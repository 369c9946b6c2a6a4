// Package worker runs on each VM host. It consumes "<topic>.<host>", runs the
// requested vmsctl operation through the adapter, records the outcome in the
// instance store and completes the message with a reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/log"
	"github.com/mattjoyce/cobalt/internal/queue"
	"github.com/mattjoyce/cobalt/internal/vms"
)

// Consumer is the part of the message queue the worker drives.
type Consumer interface {
	Dequeue(ctx context.Context, queueName string) (*queue.Message, error)
	Complete(ctx context.Context, id string, c queue.Completion) error
	Running(ctx context.Context, queueName string) ([]*queue.Message, error)
}

// Store is the instance storage the worker reads and writes.
type Store interface {
	Get(ctx context.Context, uuid string) (*instance.Instance, error)
	Put(ctx context.Context, inst *instance.Instance) error
	SetState(ctx context.Context, uuid, state string) error
	MarkDeleted(ctx context.Context, uuid string) error
}

// VMS is the adapter surface used here. *vms.Client satisfies it.
type VMS interface {
	Bless(ctx context.Context, spec vms.BlessSpec) (*vms.BlessResult, error)
	Launch(ctx context.Context, spec vms.LaunchSpec) error
	Discard(ctx context.Context, spec vms.DiscardSpec) error
	Pause(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error
}

type Options struct {
	Host         string
	Topic        string
	Path         string // vms.path, passed to every vmsctl action that takes one
	PollInterval time.Duration
}

type Worker struct {
	opts     Options
	queue    string
	consumer Consumer
	store    Store
	vms      VMS
	events   dispatch.Publisher
	logger   *slog.Logger
	newUUID  func() string
}

// New creates a Worker for opts.Host. hub may be nil.
func New(opts Options, c Consumer, store Store, client VMS, hub dispatch.Publisher) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Worker{
		opts:     opts,
		queue:    dispatch.QueueFor(opts.Topic, opts.Host),
		consumer: c,
		store:    store,
		vms:      client,
		events:   hub,
		logger:   log.WithComponent("worker").With("queue", dispatch.QueueFor(opts.Topic, opts.Host)),
		newUUID:  uuid.NewString,
	}
}

// Queue returns the queue this worker consumes.
func (w *Worker) Queue() string { return w.queue }

// Start runs the consume loop until ctx is cancelled. Messages are handled one
// at a time in arrival order.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker loop started")
	defer w.logger.Info("worker loop stopped")

	if err := w.abandonOrphans(ctx); err != nil {
		return fmt.Errorf("worker recovery: %w", err)
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Drain everything queued before waiting for the next tick.
			for {
				handled, err := w.ProcessNext(ctx)
				if err != nil {
					w.logger.Error("failed to process message", "error", err)
				}
				if !handled || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// ProcessNext handles one queued message. It reports false when the queue was
// empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	m, err := w.consumer.Dequeue(ctx, w.queue)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if m == nil {
		return false, nil
	}
	w.handle(ctx, m)
	return true, nil
}

// abandonOrphans fails messages left running by a previous process. bless,
// launch and discard are not idempotent, so they are never replayed.
func (w *Worker) abandonOrphans(ctx context.Context) error {
	orphans, err := w.consumer.Running(ctx, w.queue)
	if err != nil {
		return err
	}
	for _, m := range orphans {
		reason := "interrupted by worker restart"
		w.logger.Warn("abandoning orphaned message", "message_id", m.ID, "method", m.Method)
		if err := w.consumer.Complete(ctx, m.ID, queue.Completion{Status: queue.StatusFailed, LastError: &reason}); err != nil {
			return err
		}
	}
	return nil
}

// Args is the union of arguments the dispatcher and scheduler send.
type Args struct {
	InstanceUUID string            `json:"instance_uuid"`
	ProjectID    string            `json:"project_id,omitempty"`
	NumInstances int               `json:"num_instances,omitempty"`
	DiskURL      string            `json:"disk_url,omitempty"`
	MemURL       string            `json:"mem_url,omitempty"`
	Migration    bool              `json:"migration,omitempty"`
	GuestParams  map[string]string `json:"guest_params,omitempty"`
	VMSOptions   map[string]string `json:"vms_options,omitempty"`
}

func (w *Worker) handle(ctx context.Context, m *queue.Message) {
	logger := log.WithMessage(m.ID, m.Method).With("component", "worker")
	logger.Info("handling message")

	var args Args
	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &args); err != nil {
			w.fail(ctx, logger, m, fmt.Errorf("decode args: %w", err))
			return
		}
	}
	if args.InstanceUUID == "" {
		w.fail(ctx, logger, m, errors.New("instance_uuid is missing"))
		return
	}

	var (
		reply any
		err   error
	)
	switch m.Method {
	case dispatch.MethodBless:
		reply, err = w.bless(ctx, args)
	case dispatch.MethodLaunch:
		reply, err = w.launch(ctx, args)
	case dispatch.MethodDiscard:
		reply, err = w.discard(ctx, args)
	case dispatch.MethodPause:
		reply, err = w.setPaused(ctx, args, true)
	case dispatch.MethodUnpause:
		reply, err = w.setPaused(ctx, args, false)
	default:
		err = fmt.Errorf("unsupported method %q", m.Method)
	}
	if err != nil {
		w.fail(ctx, logger, m, err)
		return
	}

	body, err := json.Marshal(reply)
	if err != nil {
		w.fail(ctx, logger, m, fmt.Errorf("encode reply: %w", err))
		return
	}
	if err := w.consumer.Complete(ctx, m.ID, queue.Completion{Status: queue.StatusSucceeded, Reply: body}); err != nil {
		logger.Error("failed to complete message", "error", err)
		return
	}
	logger.Info("message completed")
	if w.events != nil {
		w.events.Publish("worker.completed", map[string]any{
			"message_id":    m.ID,
			"method":        m.Method,
			"instance_uuid": args.InstanceUUID,
			"host":          w.opts.Host,
		})
	}
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, m *queue.Message, cause error) {
	status := queue.StatusFailed
	if errors.Is(cause, context.DeadlineExceeded) {
		status = queue.StatusTimedOut
	}
	msg := cause.Error()
	c := queue.Completion{Status: status, LastError: &msg}

	var execErr *vms.ExecutionError
	if errors.As(cause, &execErr) && execErr.Stderr != "" {
		c.Stderr = &execErr.Stderr
	}

	logger.Warn("message failed", "status", status, "error", cause)
	if err := w.consumer.Complete(ctx, m.ID, c); err != nil {
		logger.Error("failed to complete message", "error", err)
	}
	if w.events != nil {
		w.events.Publish("worker.failed", map[string]any{
			"message_id": m.ID,
			"method":     m.Method,
			"status":     status,
			"error":      msg,
		})
	}
}
