// Package scheduler places launches. It consumes the scheduler queue and
// forwards each launch_instance to the least loaded configured host.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/cobalt/internal/config"
	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/events"
	"github.com/mattjoyce/cobalt/internal/queue"
)

var ErrNoHosts = errors.New("no hosts configured for placement")

// Scheduler consumes the scheduler queue and forwards launches to hosts.
type Scheduler struct {
	cfg    *config.Config
	queue  QueueService
	load   HostLoad
	events *events.Hub
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg *config.Config, q QueueService, load HostLoad, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:    cfg,
		queue:  q,
		load:   load,
		events: hub,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start recovers interrupted placements and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "hosts", s.cfg.Scheduler.Hosts)

	if err := s.recoverOrphanedMessages(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Messaging.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick places every launch waiting on the scheduler queue.
func (s *Scheduler) tick(ctx context.Context) {
	for {
		m, err := s.queue.Dequeue(ctx, s.cfg.Messaging.SchedulerTopic)
		if err != nil {
			s.logger.Error("Failed to dequeue placement", "error", err)
			return
		}
		if m == nil {
			return
		}
		s.place(ctx, m)
	}
}

func (s *Scheduler) place(ctx context.Context, m *queue.Message) {
	logger := s.logger.With("message_id", m.ID, "method", m.Method)

	host, queueName, err := s.forward(ctx, m)
	if err != nil {
		msg := err.Error()
		logger.Error("Placement failed", "error", err)
		if cerr := s.queue.Complete(ctx, m.ID, queue.Completion{Status: queue.StatusFailed, LastError: &msg}); cerr != nil {
			logger.Error("Failed to complete placement", "error", cerr)
		}
		s.events.Publish("scheduler.failed", map[string]any{"message_id": m.ID, "error": msg})
		return
	}

	s.events.Publish("scheduler.placed", map[string]any{
		"message_id": m.ID,
		"host":       host,
		"queue":      queueName,
	})
	logger.Info("Placed launch", "host", host, "queue", queueName)
}

// forward picks a host and hands the launch to it. The host message and the
// placement's completion commit together, so recovery never launches twice.
func (s *Scheduler) forward(ctx context.Context, m *queue.Message) (string, string, error) {
	if m.Method != dispatch.MethodLaunch {
		return "", "", fmt.Errorf("scheduler does not handle %q", m.Method)
	}
	args := map[string]any{}
	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &args); err != nil {
			return "", "", fmt.Errorf("decode args: %w", err)
		}
	}

	topic, _ := args["topic"].(string)
	if topic == "" {
		topic = s.cfg.Messaging.Topic
	}
	delete(args, "topic")

	host, err := s.pickHost(ctx)
	if err != nil {
		return "", "", err
	}
	queueName := dispatch.QueueFor(topic, host)

	encoded, err := json.Marshal(args)
	if err != nil {
		return "", "", fmt.Errorf("encode args: %w", err)
	}
	reply, _ := json.Marshal(map[string]string{"host": host, "queue": queueName})
	_, err = s.queue.Forward(ctx, m.ID, queue.EnqueueRequest{
		Queue:       queueName,
		Method:      m.Method,
		Args:        encoded,
		Mode:        queue.ModeNotify,
		SubmittedBy: s.cfg.Messaging.SchedulerTopic,
	}, reply)
	if err != nil {
		return "", "", fmt.Errorf("forward to %s: %w", queueName, err)
	}
	return host, queueName, nil
}

// pickHost returns the configured host with the fewest live instances plus
// pending messages. Ties go to the host listed first.
func (s *Scheduler) pickHost(ctx context.Context) (string, error) {
	hosts := s.cfg.Scheduler.Hosts
	if len(hosts) == 0 {
		return "", ErrNoHosts
	}
	counts, err := s.load.CountByHost(ctx)
	if err != nil {
		return "", fmt.Errorf("host load: %w", err)
	}

	best, bestLoad := "", -1
	for _, h := range hosts {
		pending, err := s.queue.Depth(ctx, dispatch.QueueFor(s.cfg.Messaging.Topic, h))
		if err != nil {
			return "", fmt.Errorf("queue depth for %s: %w", h, err)
		}
		load := counts[h] + pending
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = h, load
		}
	}
	return best, nil
}

// recoverOrphanedMessages re-queues placements interrupted by a crash. A
// running placement has not forwarded anything yet, so replaying it is safe.
func (s *Scheduler) recoverOrphanedMessages(ctx context.Context) error {
	s.logger.Info("Performing crash recovery for orphaned placements")

	n, err := s.queue.RequeueRunning(ctx, s.cfg.Messaging.SchedulerTopic)
	if err != nil {
		return fmt.Errorf("failed to requeue running placements: %w", err)
	}
	if n == 0 {
		s.logger.Info("No orphaned placements found.")
		return nil
	}
	s.logger.Warn("Re-queued orphaned placements", "count", n)
	return nil
}
