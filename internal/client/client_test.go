package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cobalt/internal/api"
	"github.com/mattjoyce/cobalt/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"uuid": "u1", "name": "web"})
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	inst, err := c.Instance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "web", inst.Name)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPostIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "dispatch failed"})
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	_, err := c.Bless(context.Background(), "u1")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "dispatch failed", se.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLaunchSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/u1/launch", r.URL.Path)
		var req api.LaunchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Count)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.AcceptedResponse{InstanceUUID: "u1", Method: "launch_instance", Status: "queued"})
	}))
	defer srv.Close()

	resp, err := New(srv.URL+"/", "").Launch(context.Background(), "u1", api.LaunchRequest{Count: 3})
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
}

func TestQuotaErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "quota", Code: "InstanceLimitExceeded"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Launch(context.Background(), "u1", api.LaunchRequest{Count: 1})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "InstanceLimitExceeded", se.Code)
	assert.Contains(t, err.Error(), "InstanceLimitExceeded")
}

func TestIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").ListBlessed(context.Background(), "u1")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(nil))
}

func TestRegisterPostsRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/instances", r.URL.Path)
		var req api.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "node-2", req.Host)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"uuid": "gen-1", "name": req.Name, "host": req.Host})
	}))
	defer srv.Close()

	inst, err := New(srv.URL, "k").Register(context.Background(), api.RegisterRequest{Name: "web-1", Host: "node-2"})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", inst.UUID)
	assert.Equal(t, "web-1", inst.Name)
}
