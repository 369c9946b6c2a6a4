package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/events"
	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/quota"
	"github.com/mattjoyce/cobalt/internal/vms"
)

const testAPIKey = "test-key"

type fakeOps struct {
	err      error
	reply    json.RawMessage
	launched []dispatch.LaunchRequest
	calls    []string
	inst     *instance.Instance
	list     []*instance.Instance
}

func (f *fakeOps) BlessInstance(_ context.Context, uuid string) error {
	f.calls = append(f.calls, "bless:"+uuid)
	return f.err
}

func (f *fakeOps) DiscardInstance(_ context.Context, uuid string) error {
	f.calls = append(f.calls, "discard:"+uuid)
	return f.err
}

func (f *fakeOps) LaunchInstance(_ context.Context, req dispatch.LaunchRequest) error {
	f.launched = append(f.launched, req)
	return f.err
}

func (f *fakeOps) PauseInstance(_ context.Context, uuid string) (json.RawMessage, error) {
	f.calls = append(f.calls, "pause:"+uuid)
	return f.reply, f.err
}

func (f *fakeOps) UnpauseInstance(_ context.Context, uuid string) (json.RawMessage, error) {
	f.calls = append(f.calls, "unpause:"+uuid)
	return f.reply, f.err
}

func (f *fakeOps) Instance(_ context.Context, uuid string) (*instance.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.inst, nil
}

func (f *fakeOps) ListLaunchedInstances(_ context.Context, _ string) ([]*instance.Instance, error) {
	return f.list, f.err
}

func (f *fakeOps) ListBlessedInstances(_ context.Context, _ string) ([]*instance.Instance, error) {
	return f.list, f.err
}

type fakeRegistry struct {
	err error
	got []*instance.Instance
}

func (f *fakeRegistry) Register(_ context.Context, inst *instance.Instance) (*instance.Instance, error) {
	f.got = append(f.got, inst)
	if f.err != nil {
		return nil, f.err
	}
	out := *inst
	if out.UUID == "" {
		out.UUID = "generated"
	}
	return &out, nil
}

type fakeDepth struct {
	depth int
	queue string
}

func (f *fakeDepth) Depth(_ context.Context, queueName string) (int, error) {
	f.queue = queueName
	return f.depth, nil
}

func newTestServer(ops Operations) (*Server, *fakeDepth) {
	depth := &fakeDepth{depth: 3}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{APIKey: testAPIKey, SchedulerTopic: "scheduler"}, ops, &fakeRegistry{}, depth, nil, logger), depth
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, depth := newTestServer(&fakeOps{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.SchedulerDepth)
	assert.Equal(t, "scheduler", depth.queue)
}

func TestInstanceRoutesRequireAuth(t *testing.T) {
	s, _ := newTestServer(&fakeOps{})

	req := httptest.NewRequest(http.MethodPost, "/instances/u1/bless", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAcceptedOperations(t *testing.T) {
	tests := []struct {
		path   string
		method string
		call   string
	}{
		{"/instances/u1/bless", dispatch.MethodBless, "bless:u1"},
		{"/instances/u1/discard", dispatch.MethodDiscard, "discard:u1"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			ops := &fakeOps{}
			s, _ := newTestServer(ops)

			rec := do(t, s, http.MethodPost, tt.path, "")
			require.Equal(t, http.StatusAccepted, rec.Code)

			var resp AcceptedResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, AcceptedResponse{InstanceUUID: "u1", Method: tt.method, Status: "queued"}, resp)
			assert.Equal(t, []string{tt.call}, ops.calls)
		})
	}
}

func TestLaunchBuildsParams(t *testing.T) {
	ops := &fakeOps{}
	s, _ := newTestServer(ops)

	body := `{"project_id":"p1","count":2,"guest_params":{"role":"web"},"disk_url":"http://d","migration":true}`
	rec := do(t, s, http.MethodPost, "/instances/u1/launch", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, ops.launched, 1)
	req := ops.launched[0]
	assert.Equal(t, "p1", req.ProjectID)
	assert.Equal(t, "u1", req.InstanceUUID)
	assert.Equal(t, 2, req.Count)
	assert.Equal(t, map[string]string{"role": "web"}, req.Params["guest_params"])
	assert.Equal(t, "http://d", req.Params["disk_url"])
	assert.Equal(t, true, req.Params["migration"])
	assert.NotContains(t, req.Params, "mem_url")
}

func TestLaunchDefaultsCount(t *testing.T) {
	ops := &fakeOps{}
	s, _ := newTestServer(ops)

	rec := do(t, s, http.MethodPost, "/instances/u1/launch", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ops.launched, 1)
	assert.Equal(t, 1, ops.launched[0].Count)
}

func TestLaunchRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative count", `{"count":-1}`},
		{"invalid json", `{"count":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := &fakeOps{}
			s, _ := newTestServer(ops)

			rec := do(t, s, http.MethodPost, "/instances/u1/launch", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, ops.launched)
		})
	}
}

func TestPauseReturnsReply(t *testing.T) {
	ops := &fakeOps{reply: json.RawMessage(`{"vm_state":"paused"}`)}
	s, _ := newTestServer(ops)

	rec := do(t, s, http.MethodPost, "/instances/u1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReplyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, dispatch.MethodPause, resp.Method)
	assert.JSONEq(t, `{"vm_state":"paused"}`, string(resp.Reply))
}

func TestOperationErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"not found", dispatch.ErrInstanceNotFound, http.StatusNotFound, "not found"},
		{"quota", &quota.QuotaExceededError{Code: quota.CodeInstanceLimit, Message: "no more"}, http.StatusRequestEntityTooLarge, quota.CodeInstanceLimit},
		{"configuration", vms.ErrConfiguration, http.StatusBadRequest, ""},
		{"invalid request", fmt.Errorf("%w: launch count must be at least 1, got 0", dispatch.ErrInvalidRequest), http.StatusBadRequest, "launch count"},
		{"dispatch", &dispatch.DispatchError{Method: dispatch.MethodLaunch, Queue: "scheduler", Err: errors.New("db gone")}, http.StatusBadGateway, "db gone"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(&fakeOps{err: tt.err})

			rec := do(t, s, http.MethodPost, "/instances/u1/launch", `{"count":1}`)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestGetAndListInstances(t *testing.T) {
	ops := &fakeOps{inst: &instance.Instance{UUID: "u1", Name: "web"}}
	s, _ := newTestServer(ops)

	rec := do(t, s, http.MethodGet, "/instances/u1/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var inst instance.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, "web", inst.Name)

	rec = do(t, s, http.MethodGet, "/instances/u1/launched", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	ops.list = []*instance.Instance{{UUID: "b1", Name: "b1"}}
	rec = do(t, s, http.MethodGet, "/instances/u1/blessed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []instance.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "b1", list[0].UUID)
}

func TestLaunchDecodesChunkedBody(t *testing.T) {
	ops := &fakeOps{}
	s, _ := newTestServer(ops)

	req := httptest.NewRequest(http.MethodPost, "/instances/u1/launch",
		strings.NewReader(`{"count":3,"guest_params":{"role":"db"},"mem_url":"http://m"}`))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ops.launched, 1)
	assert.Equal(t, 3, ops.launched[0].Count)
	assert.Equal(t, map[string]string{"role": "db"}, ops.launched[0].Params["guest_params"])
	assert.Equal(t, "http://m", ops.launched[0].Params["mem_url"])
}

func newRegisterServer(reg *fakeRegistry) (*Server, *events.Hub) {
	hub := events.NewHub(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{APIKey: testAPIKey}, &fakeOps{}, reg, &fakeDepth{}, hub, logger), hub
}

func TestRegisterInstance(t *testing.T) {
	reg := &fakeRegistry{}
	s, hub := newRegisterServer(reg)

	body := `{"uuid":"vm-1","name":"web-1","host":"node-2","instance_type":"m1.small","project_id":"p1","metadata":{"role":"web"}}`
	rec := do(t, s, http.MethodPost, "/instances", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var inst instance.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, "vm-1", inst.UUID)
	assert.Equal(t, "node-2", inst.Host)

	require.Len(t, reg.got, 1)
	assert.Equal(t, &instance.Instance{
		UUID: "vm-1", Name: "web-1", Host: "node-2", InstanceType: "m1.small", ProjectID: "p1",
		Metadata: map[string]string{"role": "web"},
	}, reg.got[0])

	evs := hub.SnapshotSince(0, "instance.registered")
	require.Len(t, evs, 1)
}

func TestRegisterInstanceErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"invalid json", `{"name":`, nil, http.StatusBadRequest},
		{"missing host", `{"name":"web-1"}`, fmt.Errorf("%w: host is required", instance.ErrInvalid), http.StatusBadRequest},
		{"duplicate", `{"uuid":"vm-1","name":"web-1","host":"node-1"}`, fmt.Errorf("%w: vm-1", instance.ErrExists), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newRegisterServer(&fakeRegistry{err: tt.err})
			rec := do(t, s, http.MethodPost, "/instances", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestRegisterRequiresAuth(t *testing.T) {
	reg := &fakeRegistry{}
	s, _ := newRegisterServer(reg)

	req := httptest.NewRequest(http.MethodPost, "/instances", strings.NewReader(`{"name":"a","host":"b"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, reg.got)
}

func TestHealthzReportsDroppedEvents(t *testing.T) {
	hub := events.NewHub(16)
	_, cancel := hub.Subscribe("")
	defer cancel()
	for i := 0; i < 130; i++ {
		hub.Publish("worker.completed", nil)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{APIKey: testAPIKey, SchedulerTopic: "scheduler"}, &fakeOps{}, &fakeRegistry{}, &fakeDepth{}, hub, logger)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.EventsDropped)
}
