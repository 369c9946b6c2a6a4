package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cobalt/internal/config"
	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/events"
	"github.com/mattjoyce/cobalt/internal/queue"
	"github.com/mattjoyce/cobalt/internal/scheduler/mocks"
	"github.com/mattjoyce/cobalt/internal/storage"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type staticLoad map[string]int

func (s staticLoad) CountByHost(context.Context) (map[string]int, error) { return s, nil }

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Hosts = []string{"node-1", "node-2", "node-3"}
	return cfg
}

func TestRecoverOrphanedMessages(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockQueueService(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(testConfig(), mockQueue, staticLoad{}, events.NewHub(32), slogger)
	ctx := context.Background()

	t.Run("No orphaned placements", func(t *testing.T) {
		mockQueue.EXPECT().RequeueRunning(ctx, "scheduler").Return(0, nil)
		assert.NoError(t, s.recoverOrphanedMessages(ctx))
	})

	t.Run("Orphaned placements re-queued", func(t *testing.T) {
		logBuf.Reset()
		mockQueue.EXPECT().RequeueRunning(ctx, "scheduler").Return(2, nil)
		assert.NoError(t, s.recoverOrphanedMessages(ctx))
		assert.Contains(t, logBuf.String(), "Re-queued orphaned placements")
	})

	t.Run("RequeueRunning returns error", func(t *testing.T) {
		mockQueue.EXPECT().RequeueRunning(ctx, "scheduler").Return(0, errors.New("db error"))
		err := s.recoverOrphanedMessages(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to requeue running placements: db error")
	})
}

func TestTickForwardsToLeastLoadedHost(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockQueueService(ctrl)
	slogger, logBuf := NewTestSlogger()
	hub := events.NewHub(16)
	load := staticLoad{"node-1": 4, "node-2": 1, "node-3": 1}

	s := New(testConfig(), mockQueue, load, hub, slogger)
	ctx := context.Background()

	msg := &queue.Message{
		ID:     "m-1",
		Method: dispatch.MethodLaunch,
		Args:   []byte(`{"topic":"gridcentric","instance_uuid":"u-1","num_instances":2}`),
	}
	gomock.InOrder(
		mockQueue.EXPECT().Dequeue(ctx, "scheduler").Return(msg, nil),
		mockQueue.EXPECT().Depth(ctx, "gridcentric.node-1").Return(0, nil),
		mockQueue.EXPECT().Depth(ctx, "gridcentric.node-2").Return(1, nil),
		mockQueue.EXPECT().Depth(ctx, "gridcentric.node-3").Return(0, nil),
		mockQueue.EXPECT().Forward(ctx, "m-1", gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, next queue.EnqueueRequest, reply json.RawMessage) (string, error) {
				assert.Equal(t, "gridcentric.node-3", next.Queue)
				assert.Equal(t, dispatch.MethodLaunch, next.Method)
				assert.Equal(t, queue.ModeNotify, next.Mode)
				assert.Equal(t, "scheduler", next.SubmittedBy)
				assert.JSONEq(t, `{"instance_uuid":"u-1","num_instances":2}`, string(next.Args))
				assert.JSONEq(t, `{"host":"node-3","queue":"gridcentric.node-3"}`, string(reply))
				return "m-2", nil
			}),
		mockQueue.EXPECT().Dequeue(ctx, "scheduler").Return(nil, nil),
	)

	s.tick(ctx)

	assert.Contains(t, logBuf.String(), "Placed launch")
	evs := hub.SnapshotSince(0, "")
	if assert.Len(t, evs, 1) {
		assert.Equal(t, "scheduler.placed", evs[0].Type)
	}
}

func TestTickFailsUnknownMethod(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockQueueService(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(testConfig(), mockQueue, staticLoad{}, events.NewHub(16), slogger)
	ctx := context.Background()

	mockQueue.EXPECT().Dequeue(ctx, "scheduler").Return(&queue.Message{ID: "m-2", Method: "bless_instance"}, nil)
	mockQueue.EXPECT().Complete(ctx, "m-2", gomock.Any()).DoAndReturn(func(_ context.Context, _ string, c queue.Completion) error {
		assert.Equal(t, queue.StatusFailed, c.Status)
		if assert.NotNil(t, c.LastError) {
			assert.Contains(t, *c.LastError, "bless_instance")
		}
		return nil
	})
	mockQueue.EXPECT().Dequeue(ctx, "scheduler").Return(nil, nil)

	s.tick(ctx)
}

func TestPickHostWithoutHosts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testConfig()
	cfg.Scheduler.Hosts = nil
	slogger, _ := NewTestSlogger()
	s := New(cfg, mocks.NewMockQueueService(ctrl), staticLoad{}, nil, slogger)

	_, err := s.pickHost(context.Background())
	assert.ErrorIs(t, err, ErrNoHosts)
}

func TestTickStopsOnDequeueError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockQueueService(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(testConfig(), mockQueue, staticLoad{}, nil, slogger)

	mockQueue.EXPECT().Dequeue(gomock.Any(), "scheduler").Return(nil, errors.New("database is locked"))
	s.tick(context.Background())

	assert.Contains(t, logBuf.String(), "Failed to dequeue placement")
}

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db)
}

func TestRestartAfterPlacementLaunchesOnce(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Scheduler.Hosts = []string{"node-1"}
	slogger, _ := NewTestSlogger()

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{
		Queue: "scheduler", Method: dispatch.MethodLaunch,
		Args: []byte(`{"instance_uuid":"u-1","num_instances":1}`), SubmittedBy: "api",
	})
	require.NoError(t, err)

	first := New(cfg, q, staticLoad{}, nil, slogger)
	first.tick(ctx)

	second := New(cfg, q, staticLoad{}, nil, slogger)
	require.NoError(t, second.recoverOrphanedMessages(ctx))
	second.tick(ctx)

	depth, err := q.Depth(ctx, "gridcentric.node-1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRestartBeforePlacementLaunchesOnce(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Scheduler.Hosts = []string{"node-1"}
	slogger, _ := NewTestSlogger()

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{
		Queue: "scheduler", Method: dispatch.MethodLaunch,
		Args: []byte(`{"instance_uuid":"u-1"}`), SubmittedBy: "api",
	})
	require.NoError(t, err)

	// Claimed by a scheduler that died before forwarding.
	claimed, err := q.Dequeue(ctx, "scheduler")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	s := New(cfg, q, staticLoad{}, nil, slogger)
	require.NoError(t, s.recoverOrphanedMessages(ctx))
	s.tick(ctx)

	depth, err := q.Depth(ctx, "gridcentric.node-1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	placed, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, placed.Status)
}

func TestForwardFailureFailsPlacement(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockQueueService(ctrl)
	cfg := testConfig()
	cfg.Scheduler.Hosts = []string{"node-1"}
	slogger, _ := NewTestSlogger()
	hub := events.NewHub(16)
	s := New(cfg, mockQueue, staticLoad{}, hub, slogger)
	ctx := context.Background()

	mockQueue.EXPECT().Depth(ctx, "gridcentric.node-1").Return(0, nil)
	mockQueue.EXPECT().Forward(ctx, "m-3", gomock.Any(), gomock.Any()).Return("", errors.New("disk I/O error"))
	mockQueue.EXPECT().Complete(ctx, "m-3", gomock.Any()).DoAndReturn(func(_ context.Context, _ string, c queue.Completion) error {
		assert.Equal(t, queue.StatusFailed, c.Status)
		if assert.NotNil(t, c.LastError) {
			assert.Contains(t, *c.LastError, "disk I/O error")
		}
		return nil
	})

	s.place(ctx, &queue.Message{ID: "m-3", Method: dispatch.MethodLaunch})

	evs := hub.SnapshotSince(0, "scheduler")
	if assert.Len(t, evs, 1) {
		assert.Equal(t, "scheduler.failed", evs[0].Type)
	}
}
