package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/log"
)

// Method names understood by the host worker and the scheduler.
const (
	MethodBless   = "bless_instance"
	MethodLaunch  = "launch_instance"
	MethodDiscard = "discard_instance"
	MethodPause   = "pause_instance"
	MethodUnpause = "unpause_instance"
)

// Mode selects fire-and-forget or blocking delivery.
type Mode int

const (
	Notify Mode = iota
	Request
)

func (m Mode) String() string {
	switch m {
	case Notify:
		return "notify"
	case Request:
		return "request"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Message is what travels to a queue.
type Message struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/cobalt/internal/dispatch Messenger,InstanceStore,Guard

// Messenger carries messages to named queues.
type Messenger interface {
	Notify(ctx context.Context, queue string, msg Message) error
	Request(ctx context.Context, queue string, msg Message) (json.RawMessage, error)
}

// InstanceStore is the read-only lookup the dispatcher needs.
type InstanceStore interface {
	Get(ctx context.Context, uuid string) (*instance.Instance, error)
	ListByMetadata(ctx context.Context, key, value string) ([]*instance.Instance, error)
}

// Guard admits or rejects a resource-creating operation.
type Guard interface {
	Check(ctx context.Context, projectID string, inst *instance.Instance, count int) error
}

// Publisher receives an event per successful delivery. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

type Options struct {
	Topic          string
	SchedulerTopic string
}

type Dispatcher struct {
	opts      Options
	messenger Messenger
	store     InstanceStore
	guard     Guard
	events    Publisher
	logger    *slog.Logger
}

// New creates a Dispatcher. hub may be nil.
func New(opts Options, m Messenger, store InstanceStore, guard Guard, hub Publisher) *Dispatcher {
	return &Dispatcher{
		opts:      opts,
		messenger: m,
		store:     store,
		guard:     guard,
		events:    hub,
		logger:    log.WithComponent("dispatch"),
	}
}

// QueueFor names the queue a host consumes for topic.
func QueueFor(topic, host string) string {
	return topic + "." + host
}

// Target identifies the instance an operation acts on. Host overrides the
// recorded host when set.
type Target struct {
	UUID string
	Host string
}

// Deliver resolves the host for t, then sends method with params to that
// host's queue in the given mode. The reply is nil for Notify.
func (d *Dispatcher) Deliver(ctx context.Context, mode Mode, t Target, method string, params map[string]any) (json.RawMessage, error) {
	host := t.Host
	if host == "" {
		inst, err := d.lookup(ctx, t.UUID)
		if err != nil {
			return nil, err
		}
		host = inst.Host
	}
	if host == "" {
		return nil, fmt.Errorf("%w: %s has no host", ErrInstanceNotFound, t.UUID)
	}
	return d.send(ctx, mode, QueueFor(d.opts.Topic, host), method, t.UUID, params)
}

func (d *Dispatcher) send(ctx context.Context, mode Mode, queue, method, uuid string, params map[string]any) (json.RawMessage, error) {
	msg := Message{Method: method, Args: make(map[string]any, len(params)+1)}
	for k, v := range params {
		msg.Args[k] = v
	}
	msg.Args["instance_uuid"] = uuid

	logger := log.WithInstance(uuid).With("component", "dispatch", "method", method, "queue", queue, "mode", mode.String())

	var (
		reply json.RawMessage
		err   error
	)
	switch mode {
	case Notify:
		err = d.messenger.Notify(ctx, queue, msg)
	case Request:
		reply, err = d.messenger.Request(ctx, queue, msg)
	default:
		return nil, fmt.Errorf("unknown delivery mode %s", mode)
	}
	if err != nil {
		logger.Warn("delivery failed", "error", err)
		return nil, &DispatchError{Method: method, Queue: queue, Err: err}
	}

	logger.Debug("delivered")
	if d.events != nil {
		d.events.Publish("instance."+method, map[string]any{
			"instance_uuid": uuid,
			"queue":         queue,
			"mode":          mode.String(),
		})
	}
	return reply, nil
}

func (d *Dispatcher) lookup(ctx context.Context, uuid string) (*instance.Instance, error) {
	inst, err := d.store.Get(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInstanceNotFound, uuid, err)
	}
	if inst.Deleted {
		return nil, fmt.Errorf("%w: %s is deleted", ErrInstanceNotFound, uuid)
	}
	return inst, nil
}

// BlessInstance asks the owning host to turn the VM into a template.
func (d *Dispatcher) BlessInstance(ctx context.Context, uuid string) error {
	_, err := d.Deliver(ctx, Notify, Target{UUID: uuid}, MethodBless, nil)
	return err
}

// DiscardInstance asks the owning host to remove a blessed template.
func (d *Dispatcher) DiscardInstance(ctx context.Context, uuid string) error {
	_, err := d.Deliver(ctx, Notify, Target{UUID: uuid}, MethodDiscard, nil)
	return err
}

// PauseInstance blocks until the owning host has paused the VM.
func (d *Dispatcher) PauseInstance(ctx context.Context, uuid string) (json.RawMessage, error) {
	return d.Deliver(ctx, Request, Target{UUID: uuid}, MethodPause, nil)
}

// UnpauseInstance blocks until the owning host has resumed the VM.
func (d *Dispatcher) UnpauseInstance(ctx context.Context, uuid string) (json.RawMessage, error) {
	return d.Deliver(ctx, Request, Target{UUID: uuid}, MethodUnpause, nil)
}

type LaunchRequest struct {
	ProjectID    string
	InstanceUUID string
	Count        int
	Params       map[string]any
}

// LaunchInstance admits the request against quota and hands it to the
// scheduler queue. No message is sent when the guard rejects.
func (d *Dispatcher) LaunchInstance(ctx context.Context, req LaunchRequest) error {
	if req.Count < 1 {
		return fmt.Errorf("%w: launch count must be at least 1, got %d", ErrInvalidRequest, req.Count)
	}
	inst, err := d.lookup(ctx, req.InstanceUUID)
	if err != nil {
		return err
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = inst.ProjectID
	}
	if d.guard != nil {
		if err := d.guard.Check(ctx, projectID, inst, req.Count); err != nil {
			return err
		}
	}

	params := make(map[string]any, len(req.Params)+3)
	for k, v := range req.Params {
		params[k] = v
	}
	params["topic"] = d.opts.Topic
	params["num_instances"] = req.Count
	params["project_id"] = projectID

	_, err = d.send(ctx, Notify, d.opts.SchedulerTopic, MethodLaunch, req.InstanceUUID, params)
	return err
}

// ListLaunchedInstances returns live instances launched from the template uuid.
func (d *Dispatcher) ListLaunchedInstances(ctx context.Context, uuid string) ([]*instance.Instance, error) {
	return d.listFrom(ctx, instance.MetaLaunchedFrom, uuid)
}

// ListBlessedInstances returns live templates blessed from the instance uuid.
func (d *Dispatcher) ListBlessedInstances(ctx context.Context, uuid string) ([]*instance.Instance, error) {
	return d.listFrom(ctx, instance.MetaBlessedFrom, uuid)
}

func (d *Dispatcher) listFrom(ctx context.Context, key, uuid string) ([]*instance.Instance, error) {
	if _, err := d.lookup(ctx, uuid); err != nil {
		return nil, err
	}
	out, err := d.store.ListByMetadata(ctx, key, uuid)
	if err != nil {
		return nil, fmt.Errorf("list instances by %s: %w", key, err)
	}
	return out, nil
}

// Instance returns the stored record for uuid.
func (d *Dispatcher) Instance(ctx context.Context, uuid string) (*instance.Instance, error) {
	inst, err := d.store.Get(ctx, uuid)
	if errors.Is(err, instance.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", uuid, err)
	}
	return inst, nil
}
