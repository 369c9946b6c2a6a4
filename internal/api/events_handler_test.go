package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cobalt/internal/events"
)

func TestEventsReplaysFilteredSnapshot(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish("instance.bless_instance", map[string]string{"instance_uuid": "u1"})
	hub.Publish("worker.completed", map[string]string{"message_id": "m1"})
	hub.Publish("worker.failed", map[string]string{"message_id": "m2"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{APIKey: testAPIKey}, &fakeOps{}, &fakeRegistry{}, &fakeDepth{}, hub, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?type=worker", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "id: 3\nevent: worker.failed\n")
	assert.NotContains(t, body, "worker.completed", "already seen by the client")
	assert.NotContains(t, body, "instance.bless_instance")
	assert.Equal(t, 1, strings.Count(body, "event: "))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
