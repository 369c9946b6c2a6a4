package api

import "github.com/mattjoyce/cobalt/internal/dispatch"

type routeDoc struct {
	method  string
	path    string
	id      string
	summary string
	ok      string
	body    bool
}

var instanceRoutes = []routeDoc{
	{"get", "/instances/{uuid}", "getInstance", "Show an instance record", "200", false},
	{"get", "/instances/{uuid}/launched", "listLaunched", "Instances launched from a template", "200", false},
	{"get", "/instances/{uuid}/blessed", "listBlessed", "Templates blessed from an instance", "200", false},
	{"post", "/instances/{uuid}/bless", dispatch.MethodBless, "Bless a running VM into a template", "202", false},
	{"post", "/instances/{uuid}/launch", dispatch.MethodLaunch, "Launch clones of a template", "202", true},
	{"post", "/instances/{uuid}/discard", dispatch.MethodDiscard, "Discard a template", "202", false},
	{"post", "/instances/{uuid}/pause", dispatch.MethodPause, "Pause a VM and wait for the host", "200", false},
	{"post", "/instances/{uuid}/unpause", dispatch.MethodUnpause, "Unpause a VM and wait for the host", "200", false},
}

var launchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"project_id":   map[string]any{"type": "string"},
		"count":        map[string]any{"type": "integer", "minimum": 1},
		"guest_params": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
		"vms_options":  map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
		"disk_url":     map[string]any{"type": "string"},
		"mem_url":      map[string]any{"type": "string"},
		"migration":    map[string]any{"type": "boolean"},
	},
}

var registerSchema = map[string]any{
	"type":     "object",
	"required": []string{"name", "host"},
	"properties": map[string]any{
		"uuid":          map[string]any{"type": "string"},
		"name":          map[string]any{"type": "string"},
		"host":          map[string]any{"type": "string"},
		"instance_type": map[string]any{"type": "string"},
		"project_id":    map[string]any{"type": "string"},
		"vm_state":      map[string]any{"type": "string"},
		"metadata":      map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
	},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the instance routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}

	for _, rt := range instanceRoutes {
		operation := map[string]any{
			"operationId": rt.id,
			"summary":     rt.summary,
			"tags":        []string{"instances"},
			"parameters": []any{map[string]any{
				"name": "uuid", "in": "path", "required": true,
				"schema": map[string]any{"type": "string"},
			}},
			"responses": map[string]any{
				rt.ok: map[string]any{"description": "OK"},
				"401": map[string]any{"description": "Missing or invalid API key"},
				"404": map[string]any{"description": "Instance not found"},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
		}
		if rt.method == "post" {
			responses := operation["responses"].(map[string]any)
			responses["400"] = map[string]any{"description": "Configuration error"}
			responses["502"] = map[string]any{"description": "Messaging failure"}
		}
		if rt.id == dispatch.MethodLaunch {
			operation["responses"].(map[string]any)["413"] = map[string]any{"description": "Quota exceeded"}
		}
		if rt.body {
			operation["requestBody"] = map[string]any{
				"required": false,
				"content": map[string]any{
					"application/json": map[string]any{"schema": launchSchema},
				},
			}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = operation
	}

	paths["/instances"] = map[string]any{
		"post": map[string]any{
			"operationId": "registerInstance",
			"summary":     "Record a VM already running on a host",
			"tags":        []string{"instances"},
			"requestBody": map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{"schema": registerSchema},
				},
			},
			"responses": map[string]any{
				"201": map[string]any{"description": "Registered"},
				"400": map[string]any{"description": "Missing name or host"},
				"401": map[string]any{"description": "Missing or invalid API key"},
				"409": map[string]any{"description": "UUID already registered"},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
		},
	}

	paths["/events"] = map[string]any{
		"get": map[string]any{
			"operationId": "streamEvents",
			"summary":     "Server-sent stream of dispatch, worker and scheduler events",
			"tags":        []string{"events"},
			"parameters": []any{
				map[string]any{
					"name": "type", "in": "query", "required": false,
					"description": "Dotted event type prefix, e.g. worker or instance.launch_instance",
					"schema":      map[string]any{"type": "string"},
				},
				map[string]any{
					"name": "Last-Event-ID", "in": "header", "required": false,
					"schema": map[string]any{"type": "integer"},
				},
			},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Event stream",
					"content":     map[string]any{"text/event-stream": map[string]any{}},
				},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Cobalt",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
				"ApiKeyHeader": map[string]any{
					"type": "apiKey",
					"in":   "header",
					"name": APIKeyHeader,
				},
			},
		},
	}
}
