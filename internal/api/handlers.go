package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/quota"
	"github.com/mattjoyce/cobalt/internal/vms"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context(), s.config.SchedulerTopic)
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		SchedulerDepth: depth,
		EventsDropped:  s.events.Dropped(),
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ops.Instance(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListLaunched(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.ops.ListLaunchedInstances)
}

func (s *Server) handleListBlessed(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.ops.ListBlessedInstances)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) ([]*instance.Instance, error)) {
	out, err := fn(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	if out == nil {
		out = []*instance.Instance{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBless(w http.ResponseWriter, r *http.Request) {
	s.accept(w, r, dispatch.MethodBless, s.ops.BlessInstance)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	s.accept(w, r, dispatch.MethodDiscard, s.ops.DiscardInstance)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, method string, fn func(context.Context, string) error) {
	uuid := chi.URLParam(r, "uuid")
	if err := fn(r.Context(), uuid); err != nil {
		s.writeOperationError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{InstanceUUID: uuid, Method: method, Status: "queued"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body RegisterRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inst, err := s.registry.Register(r.Context(), &instance.Instance{
		UUID:         body.UUID,
		Name:         body.Name,
		Host:         body.Host,
		InstanceType: body.InstanceType,
		ProjectID:    body.ProjectID,
		VMState:      body.VMState,
		Metadata:     body.Metadata,
	})
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	s.events.Publish("instance.registered", map[string]any{"instance_uuid": inst.UUID, "host": inst.Host})
	respondJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	var body LaunchRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Count == 0 {
		body.Count = 1
	}
	if body.Count < 0 {
		s.writeError(w, http.StatusBadRequest, "count must be at least 1")
		return
	}

	params := map[string]any{}
	if len(body.GuestParams) > 0 {
		params["guest_params"] = body.GuestParams
	}
	if len(body.VMSOptions) > 0 {
		params["vms_options"] = body.VMSOptions
	}
	if body.DiskURL != "" {
		params["disk_url"] = body.DiskURL
	}
	if body.MemURL != "" {
		params["mem_url"] = body.MemURL
	}
	if body.Migration {
		params["migration"] = true
	}

	err := s.ops.LaunchInstance(r.Context(), dispatch.LaunchRequest{
		ProjectID:    body.ProjectID,
		InstanceUUID: uuid,
		Count:        body.Count,
		Params:       params,
	})
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{InstanceUUID: uuid, Method: dispatch.MethodLaunch, Status: "queued"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, dispatch.MethodPause, s.ops.PauseInstance)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, dispatch.MethodUnpause, s.ops.UnpauseInstance)
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, method string, fn func(context.Context, string) (json.RawMessage, error)) {
	uuid := chi.URLParam(r, "uuid")
	reply, err := fn(r.Context(), uuid)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ReplyResponse{InstanceUUID: uuid, Method: method, Reply: reply})
}

// writeOperationError maps the dispatch error taxonomy onto HTTP statuses.
func (s *Server) writeOperationError(w http.ResponseWriter, err error) {
	var (
		qe *quota.QuotaExceededError
		de *dispatch.DispatchError
	)
	switch {
	case errors.Is(err, dispatch.ErrInstanceNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &qe):
		respondJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: qe.Message, Code: qe.Code})
	case errors.Is(err, instance.ErrExists):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vms.ErrConfiguration), errors.Is(err, instance.ErrInvalid), errors.Is(err, dispatch.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &de):
		s.logger.Warn("dispatch failed", "method", de.Method, "queue", de.Queue, "error", de.Err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody reads a JSON body of any transfer encoding. An absent or empty
// body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
