package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/events"
	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/log"
	"github.com/mattjoyce/cobalt/internal/queue"
	"github.com/mattjoyce/cobalt/internal/storage"
	"github.com/mattjoyce/cobalt/internal/vms"
	"github.com/mattjoyce/cobalt/internal/vms/vmstest"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

type harness struct {
	w     *Worker
	q     *queue.Queue
	store *instance.Store
	rec   *vmstest.Recorder
	hub   *events.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec := vmstest.NewRecorder()
	client, err := vms.New(vms.Options{Version: "2.6", Platform: "dummy"}, rec)
	require.NoError(t, err)

	h := &harness{q: queue.New(db), store: instance.NewStore(db), rec: rec, hub: events.NewHub(16)}
	h.w = New(Options{Host: "node-1", Topic: "gridcentric", Path: "/vms"}, h.q, h.store, client, h.hub)

	n := 0
	h.w.newUUID = func() string {
		n++
		return fmt.Sprintf("0000000%d-aaaa-bbbb-cccc-dddddddddddd", n)
	}

	require.NoError(t, h.store.Put(ctx, &instance.Instance{
		UUID: "src", Name: "web", Host: "node-1", InstanceType: "m1.small", ProjectID: "proj",
		VMState: instance.StateActive,
	}))
	return h
}

// send enqueues one message for the worker and processes it.
func (h *harness) send(t *testing.T, method string, args map[string]any) *queue.Message {
	t.Helper()
	ctx := context.Background()
	body, err := json.Marshal(args)
	require.NoError(t, err)
	id, err := h.q.Enqueue(ctx, queue.EnqueueRequest{
		Queue: h.w.Queue(), Method: method, Args: body, SubmittedBy: "test",
	})
	require.NoError(t, err)

	handled, err := h.w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	m, err := h.q.Get(ctx, id)
	require.NoError(t, err)
	return m
}

func TestQueueName(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "gridcentric.node-1", h.w.Queue())
}

func TestBlessRecordsTemplate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.send(t, "bless_instance", map[string]any{"instance_uuid": "src"})
	require.Equal(t, queue.StatusSucceeded, m.Status, "last_error: %v", m.LastError)

	assert.Equal(t,
		[]string{"vmsctl", "--use.names", "-p", "dummy", "bless", "web", "web-00000001", "/vms"},
		h.rec.Last())

	var reply BlessReply
	require.NoError(t, json.Unmarshal(m.Reply, &reply))
	assert.Equal(t, "00000001-aaaa-bbbb-cccc-dddddddddddd", reply.InstanceUUID)
	assert.Equal(t, "captured-vms-ctl-name", reply.NewName)

	blessed, err := h.store.ListByMetadata(ctx, instance.MetaBlessedFrom, "src")
	require.NoError(t, err)
	require.Len(t, blessed, 1)
	assert.Equal(t, "captured-vms-ctl-name", blessed[0].Name)
	assert.Equal(t, instance.StateBlessed, blessed[0].VMState)
	assert.Equal(t, "node-1", blessed[0].Host)
}

func TestLaunchCreatesOneRecordPerClone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.send(t, "launch_instance", map[string]any{
		"instance_uuid": "src",
		"num_instances": 2,
		"guest_params":  map[string]string{"hostname": "clone"},
	})
	require.Equal(t, queue.StatusSucceeded, m.Status, "last_error: %v", m.LastError)

	calls := h.rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t,
		[]string{"vmsctl", "--use.names", "-p", "dummy", "-v", "hostname=clone", "launch", "web", "web-00000001", "/vms"},
		calls[0])

	launched, err := h.store.ListByMetadata(ctx, instance.MetaLaunchedFrom, "src")
	require.NoError(t, err)
	require.Len(t, launched, 2)
	for _, inst := range launched {
		assert.Equal(t, "proj", inst.ProjectID)
		assert.Equal(t, "m1.small", inst.InstanceType)
	}

	var reply LaunchReply
	require.NoError(t, json.Unmarshal(m.Reply, &reply))
	assert.Len(t, reply.Instances, 2)
}

func TestDiscardMarksDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.send(t, "discard_instance", map[string]any{"instance_uuid": "src"})
	require.Equal(t, queue.StatusSucceeded, m.Status)

	got, err := h.store.Get(ctx, "src")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Contains(t, h.rec.Last(), "discard")
}

func TestPauseUnpauseUpdatesState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.send(t, "pause_instance", map[string]any{"instance_uuid": "src"})
	require.Equal(t, queue.StatusSucceeded, m.Status)
	assert.JSONEq(t, `{"instance_uuid":"src","vm_state":"paused"}`, string(m.Reply))
	got, err := h.store.Get(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, instance.StatePaused, got.VMState)

	m = h.send(t, "unpause_instance", map[string]any{"instance_uuid": "src"})
	require.Equal(t, queue.StatusSucceeded, m.Status)
	assert.Equal(t, []string{"vmsctl", "--use.names", "-p", "dummy", "unpause", "web"}, h.rec.Last())
}

func TestExecutionFailureKeepsStderr(t *testing.T) {
	h := newHarness(t)
	h.rec.SetError("pause", &vms.ExecutionError{Program: "vmsctl", ExitCode: 2, Stderr: "no such domain"})

	m := h.send(t, "pause_instance", map[string]any{"instance_uuid": "src"})
	assert.Equal(t, queue.StatusFailed, m.Status)
	require.NotNil(t, m.LastError)
	assert.Contains(t, *m.LastError, "no such domain")

	evs := h.hub.SnapshotSince(0, "")
	require.NotEmpty(t, evs)
	assert.Equal(t, "worker.failed", evs[len(evs)-1].Type)
}

func TestTimeoutMarksTimedOut(t *testing.T) {
	h := newHarness(t)
	h.rec.SetError("bless", &vms.ExecutionError{Program: "vmsctl", ExitCode: -1, Err: context.DeadlineExceeded})

	m := h.send(t, "bless_instance", map[string]any{"instance_uuid": "src"})
	assert.Equal(t, queue.StatusTimedOut, m.Status)
}

func TestRejectsBadMessages(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		method string
		args   map[string]any
	}{
		{"unknown method", "reboot_instance", map[string]any{"instance_uuid": "src"}},
		{"missing uuid", "bless_instance", map[string]any{}},
		{"unknown instance", "bless_instance", map[string]any{"instance_uuid": "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := h.send(t, tt.method, tt.args)
			assert.Equal(t, queue.StatusFailed, m.Status)
		})
	}
	assert.Empty(t, h.rec.Calls(), "nothing reaches vmsctl")
}

func TestMalformedBlessOutputFails(t *testing.T) {
	h := newHarness(t)
	h.rec.SetOutput("bless", "network = None")

	m := h.send(t, "bless_instance", map[string]any{"instance_uuid": "src"})
	assert.Equal(t, queue.StatusFailed, m.Status)

	blessed, err := h.store.ListByMetadata(context.Background(), instance.MetaBlessedFrom, "src")
	require.NoError(t, err)
	assert.Empty(t, blessed)
}

func TestAbandonOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, queue.EnqueueRequest{Queue: h.w.Queue(), Method: "launch_instance", Args: []byte(`{"instance_uuid":"src"}`), SubmittedBy: "test"})
	require.NoError(t, err)
	_, err = h.q.Dequeue(ctx, h.w.Queue())
	require.NoError(t, err)

	require.NoError(t, h.w.abandonOrphans(ctx))

	m, err := h.q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, m.Status)
	assert.Empty(t, h.rec.Calls(), "orphan is not replayed")
}

func TestWorkersOnDifferentHostsShareOneDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	store := instance.NewStore(db)

	workers := map[string]*Worker{}
	recorders := map[string]*vmstest.Recorder{}
	for _, host := range []string{"node-1", "node-2"} {
		rec := vmstest.NewRecorder()
		client, err := vms.New(vms.Options{Version: "2.6", Platform: "dummy"}, rec)
		require.NoError(t, err)
		workers[host] = New(Options{Host: host, Topic: "gridcentric", Path: "/vms"}, q, store, client, nil)
		recorders[host] = rec

		require.NoError(t, store.Put(ctx, &instance.Instance{
			UUID: "vm-" + host, Name: "web-" + host, Host: host, ProjectID: "proj", VMState: instance.StateActive,
		}))
		_, err = q.Enqueue(ctx, queue.EnqueueRequest{
			Queue: dispatch.QueueFor("gridcentric", host), Method: dispatch.MethodPause,
			Args: []byte(`{"instance_uuid":"vm-` + host + `"}`), SubmittedBy: "test",
		})
		require.NoError(t, err)
	}

	// node-2 restarting must not touch node-1's in-flight work.
	claimed, err := q.Dequeue(ctx, "gridcentric.node-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, workers["node-2"].abandonOrphans(ctx))
	still, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, still.Status)

	handled, err := workers["node-2"].ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	handled, err = workers["node-2"].ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, handled, "node-2 only consumes its own queue")

	assert.Equal(t, [][]string{{"vmsctl", "--use.names", "-p", "dummy", "pause", "web-node-2"}}, recorders["node-2"].Calls())
	assert.Empty(t, recorders["node-1"].Calls())

	inst, err := store.Get(ctx, "vm-node-2")
	require.NoError(t, err)
	assert.Equal(t, instance.StatePaused, inst.VMState)
}
