package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// toolSchemas holds one compiled JSON Schema per tool name, built once at
// startup from the literal documents below. A request body that fails its
// tool's schema is rejected before it ever reaches the store.
type toolSchemas struct {
	schemas map[string]*jsonschema.Schema
}

// schemaDocs is the source of truth for every tool's request body shape,
// keyed by tool name. Object property types only; required fields cover
// what every store call needs to proceed.
var schemaDocs = map[string]string{
	"join-swarm": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"isLead": {"type": "boolean"},
			"role": {"type": "string"},
			"description": {"type": "string"},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"maxTasks": {"type": "integer"}
		},
		"required": ["name"]
	}`,
	"my-agent-info":  `{"type": "object"}`,
	"get-swarm":      `{"type": "object"}`,
	"get-tasks": `{
		"type": "object",
		"properties": {
			"status": {"type": "string"},
			"agentId": {"type": "string"},
			"unassigned": {"type": "boolean"},
			"offeredTo": {"type": "string"},
			"readyOnly": {"type": "boolean"},
			"taskType": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"search": {"type": "string"},
			"limit": {"type": "integer"}
		}
	}`,
	"get-task-details": `{
		"type": "object",
		"properties": {"taskId": {"type": "string", "minLength": 1}},
		"required": ["taskId"]
	}`,
	"send-task": `{
		"type": "object",
		"properties": {
			"taskText": {"type": "string", "minLength": 1},
			"agentId": {"type": "string"},
			"offeredTo": {"type": "string"},
			"taskType": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"priority": {"type": "integer", "minimum": 0, "maximum": 100},
			"dependsOn": {"type": "array", "items": {"type": "string"}},
			"parentTaskId": {"type": "string"},
			"epicId": {"type": "string"}
		},
		"required": ["taskText"]
	}`,
	"store-progress": `{
		"type": "object",
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"progress": {"type": "string", "minLength": 1}
		},
		"required": ["taskId", "progress"]
	}`,
	"cancel-task": `{
		"type": "object",
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		},
		"required": ["taskId"]
	}`,
	"poll-task": `{
		"type": "object",
		"properties": {"taskId": {"type": "string", "minLength": 1}},
		"required": ["taskId"]
	}`,
	"get-inbox-message": `{
		"type": "object",
		"properties": {"messageId": {"type": "string", "minLength": 1}},
		"required": ["messageId"]
	}`,
	"inbox-delegate": `{
		"type": "object",
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"delegateAgentId": {"type": "string", "minLength": 1},
			"taskText": {"type": "string", "minLength": 1}
		},
		"required": ["messageId", "delegateAgentId", "taskText"]
	}`,
	"task-action": `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["create", "claim", "release", "accept", "reject", "to_backlog", "from_backlog"]},
			"taskId": {"type": "string"},
			"taskText": {"type": "string"},
			"reason": {"type": "string"},
			"agentId": {"type": "string"},
			"offeredTo": {"type": "string"},
			"taskType": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"priority": {"type": "integer"},
			"dependsOn": {"type": "array", "items": {"type": "string"}},
			"parentTaskId": {"type": "string"},
			"epicId": {"type": "string"}
		},
		"required": ["action"]
	}`,
	"list-channels": `{"type": "object"}`,
	"create-channel": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"type": {"type": "string", "enum": ["public", "dm"]},
			"description": {"type": "string"},
			"participants": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["name"]
	}`,
	"post-message": `{
		"type": "object",
		"properties": {
			"channelId": {"type": "string", "minLength": 1},
			"content": {"type": "string", "minLength": 1},
			"replyToId": {"type": "string"},
			"mentions": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["channelId", "content"]
	}`,
	"read-messages": `{
		"type": "object",
		"properties": {
			"channelId": {"type": "string", "minLength": 1},
			"limit": {"type": "integer"},
			"since": {"type": "string"},
			"before": {"type": "string"},
			"markRead": {"type": "boolean"}
		}
	}`,
	"update-profile": `{
		"type": "object",
		"properties": {
			"role": {"type": "string"},
			"description": {"type": "string"},
			"capabilities": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	"register-service": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"port": {"type": "integer"},
			"url": {"type": "string"},
			"healthCheckPath": {"type": "string"},
			"script": {"type": "string"},
			"cwd": {"type": "string"},
			"interpreter": {"type": "string"},
			"args": {"type": "array", "items": {"type": "string"}},
			"env": {"type": "object"},
			"metadata": {"type": "object"}
		},
		"required": ["name"]
	}`,
	"unregister-service": `{
		"type": "object",
		"properties": {"serviceId": {"type": "string", "minLength": 1}},
		"required": ["serviceId"]
	}`,
	"list-services": `{
		"type": "object",
		"properties": {
			"status": {"type": "string"},
			"namePrefix": {"type": "string"},
			"agentId": {"type": "string"}
		}
	}`,
	"update-service-status": `{
		"type": "object",
		"properties": {
			"serviceId": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["starting", "healthy", "unhealthy", "stopped"]}
		},
		"required": ["serviceId", "status"]
	}`,
	"list-schedules": `{"type": "object"}`,
	"create-schedule": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"taskTemplate": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"taskType": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"priority": {"type": "integer"},
			"targetAgentId": {"type": "string"},
			"cronExpression": {"type": "string"},
			"intervalMs": {"type": "integer"},
			"timezone": {"type": "string"}
		},
		"required": ["name", "taskTemplate"]
	}`,
	"update-schedule": `{
		"type": "object",
		"properties": {
			"scheduleId": {"type": "string", "minLength": 1},
			"enabled": {"type": "boolean"}
		},
		"required": ["scheduleId"]
	}`,
	"delete-schedule": `{
		"type": "object",
		"properties": {"scheduleId": {"type": "string", "minLength": 1}},
		"required": ["scheduleId"]
	}`,
	"run-schedule-now": `{
		"type": "object",
		"properties": {"scheduleId": {"type": "string", "minLength": 1}},
		"required": ["scheduleId"]
	}`,
	"create-epic": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"goal": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"prd": {"type": "string"},
			"plan": {"type": "string"},
			"priority": {"type": "integer"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"leadAgentId": {"type": "string"},
			"channelId": {"type": "string"},
			"externalRefs": {"type": "object"}
		},
		"required": ["name", "goal"]
	}`,
	"list-epics": `{
		"type": "object",
		"properties": {
			"status": {"type": "string"},
			"leadAgentId": {"type": "string"}
		}
	}`,
	"get-epic-details": `{
		"type": "object",
		"properties": {"epicId": {"type": "string", "minLength": 1}},
		"required": ["epicId"]
	}`,
	"update-epic": `{
		"type": "object",
		"properties": {
			"epicId": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"prd": {"type": "string"},
			"plan": {"type": "string"},
			"priority": {"type": "integer"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"leadAgentId": {"type": "string"},
			"externalRefs": {"type": "object"},
			"status": {"type": "string"}
		},
		"required": ["epicId"]
	}`,
	"delete-epic": `{
		"type": "object",
		"properties": {"epicId": {"type": "string", "minLength": 1}},
		"required": ["epicId"]
	}`,
	"assign-task-to-epic": `{
		"type": "object",
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"epicId": {"type": "string", "minLength": 1}
		},
		"required": ["taskId", "epicId"]
	}`,
	"unassign-task-from-epic": `{
		"type": "object",
		"properties": {"taskId": {"type": "string", "minLength": 1}},
		"required": ["taskId"]
	}`,
}

// compileToolSchemas compiles schemaDocs once at startup. A malformed
// literal here is a programming error, not a runtime condition, so callers
// treat a non-nil error as fatal.
func compileToolSchemas() (*toolSchemas, error) {
	compiled := make(map[string]*jsonschema.Schema, len(schemaDocs))
	for tool, raw := range schemaDocs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", tool, err)
		}
		c := jsonschema.NewCompiler()
		resourceName := tool + ".json"
		if err := c.AddResource(resourceName, doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", tool, err)
		}
		schema, err := c.Compile(resourceName)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", tool, err)
		}
		compiled[tool] = schema
	}
	return &toolSchemas{schemas: compiled}, nil
}

// validate checks body (already decoded to a generic JSON value) against
// the named tool's schema. Unknown tool names are a routing bug and
// return an error rather than silently passing.
func (ts *toolSchemas) validate(tool string, body any) error {
	schema, ok := ts.schemas[tool]
	if !ok {
		return fmt.Errorf("no schema registered for tool %q", tool)
	}
	return schema.Validate(body)
}
