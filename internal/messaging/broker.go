// Package messaging implements dispatch.Messenger on top of the SQLite
// message queue. A request is an enqueued message whose sender polls the row
// until a consumer completes it.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/log"
	"github.com/mattjoyce/cobalt/internal/queue"
)

var ErrTimeout = errors.New("no reply before call timeout")

// RemoteError is a failure reported by the consumer that handled a request.
type RemoteError struct {
	Method  string
	Status  queue.Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.Status, e.Message)
}

type Options struct {
	SubmittedBy  string
	CallTimeout  time.Duration
	PollInterval time.Duration
}

type Broker struct {
	q      *queue.Queue
	opts   Options
	logger *slog.Logger
}

func NewBroker(q *queue.Queue, opts Options) *Broker {
	if opts.SubmittedBy == "" {
		opts.SubmittedBy = "cobalt"
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Broker{q: q, opts: opts, logger: log.WithComponent("messaging")}
}

func (b *Broker) Notify(ctx context.Context, queueName string, msg dispatch.Message) error {
	_, err := b.enqueue(ctx, queueName, msg, queue.ModeNotify)
	return err
}

// Request enqueues msg and waits for its reply. A message nobody claimed by
// the call timeout is expired so it never runs late.
func (b *Broker) Request(ctx context.Context, queueName string, msg dispatch.Message) (json.RawMessage, error) {
	id, err := b.enqueue(ctx, queueName, msg, queue.ModeRequest)
	if err != nil {
		return nil, err
	}
	logger := log.WithMessage(id, msg.Method).With("component", "messaging", "queue", queueName)

	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		m, err := b.q.Get(callCtx, id)
		if err == nil && m.Status.Terminal() {
			return replyOf(m)
		}
		if err != nil && callCtx.Err() == nil {
			return nil, fmt.Errorf("poll reply: %w", err)
		}

		select {
		case <-callCtx.Done():
			// ctx may already be done; expiry needs a live context.
			if expired, xerr := b.q.Expire(context.WithoutCancel(ctx), id); xerr != nil {
				logger.Error("failed to expire request", "error", xerr)
			} else if expired {
				logger.Warn("request expired before delivery")
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w (%s)", ErrTimeout, b.opts.CallTimeout)
		case <-ticker.C:
		}
	}
}

func (b *Broker) enqueue(ctx context.Context, queueName string, msg dispatch.Message, mode queue.Mode) (string, error) {
	args, err := json.Marshal(msg.Args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	id, err := b.q.Enqueue(ctx, queue.EnqueueRequest{
		Queue:       queueName,
		Method:      msg.Method,
		Args:        args,
		Mode:        mode,
		SubmittedBy: b.opts.SubmittedBy,
	})
	if err != nil {
		return "", err
	}
	b.logger.Debug("enqueued", "message_id", id, "queue", queueName, "method", msg.Method, "mode", string(mode))
	return id, nil
}

func replyOf(m *queue.Message) (json.RawMessage, error) {
	if m.Status == queue.StatusSucceeded {
		return m.Reply, nil
	}
	reason := "no error recorded"
	if m.LastError != nil {
		reason = *m.LastError
	}
	return nil, &RemoteError{Method: m.Method, Status: m.Status, Message: reason}
}
