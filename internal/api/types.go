package api

import (
	"encoding/json"
)

// LaunchRequest is the JSON body for POST /instances/{uuid}/launch.
type LaunchRequest struct {
	ProjectID   string            `json:"project_id,omitempty"`
	Count       int               `json:"count,omitempty"`
	GuestParams map[string]string `json:"guest_params,omitempty"`
	VMSOptions  map[string]string `json:"vms_options,omitempty"`
	DiskURL     string            `json:"disk_url,omitempty"`
	MemURL      string            `json:"mem_url,omitempty"`
	Migration   bool              `json:"migration,omitempty"`
}

// RegisterRequest is the JSON body for POST /instances. UUID is generated
// when empty.
type RegisterRequest struct {
	UUID         string            `json:"uuid,omitempty"`
	Name         string            `json:"name"`
	Host         string            `json:"host"`
	InstanceType string            `json:"instance_type,omitempty"`
	ProjectID    string            `json:"project_id,omitempty"`
	VMState      string            `json:"vm_state,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AcceptedResponse is returned when an operation was queued.
type AcceptedResponse struct {
	InstanceUUID string `json:"instance_uuid"`
	Method       string `json:"method"`
	Status       string `json:"status"`
}

// ReplyResponse wraps a host worker reply for blocking operations.
type ReplyResponse struct {
	InstanceUUID string          `json:"instance_uuid"`
	Method       string          `json:"method"`
	Reply        json.RawMessage `json:"reply,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	SchedulerDepth int    `json:"scheduler_queue_depth"`
	EventsDropped  int64  `json:"events_dropped"`
}
