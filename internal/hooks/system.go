package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-lanes/internal/bus"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	MoveTaskID    = SystemPrefix + "move-task"
	SetPriorityID = SystemPrefix + "set-priority"
	NotifyID      = SystemPrefix + "notify"
	DelayID       = SystemPrefix + "delay"
)

// SystemHook is a code-defined hook dispatched in-process.
type SystemHook struct {
	id          string
	name        string
	description string
	schemaJSON  string
	schema      *jsonschema.Schema
	run         func(ctx context.Context, inv Invocation) error
}

func (h *SystemHook) ID() string          { return h.id }
func (h *SystemHook) Name() string        { return h.name }
func (h *SystemHook) Description() string { return h.description }
func (h *SystemHook) Enabled() bool       { return true }
func (h *SystemHook) hook()               {}

// SettingsSchema returns the JSON Schema the binding settings must satisfy.
func (h *SystemHook) SettingsSchema() json.RawMessage {
	return json.RawMessage(h.schemaJSON)
}

// Validate checks settings against the hook's schema.
func (h *SystemHook) Validate(settings map[string]any) error {
	if h.schema == nil {
		return nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	// Round-trip through the validator's decoder for json.Number handling.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	if err := h.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid settings for %s: %w", h.id, err)
	}
	return nil
}

func compileSchema(id, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", id, err)
	}
	c := jsonschema.NewCompiler()
	url := strings.TrimPrefix(id, SystemPrefix) + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", id, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", id, err)
	}
	return schema, nil
}

func builtinSystemHooks(c *Catalog) ([]*SystemHook, error) {
	hooks := []*SystemHook{
		{
			id:          MoveTaskID,
			name:        "Move task",
			description: "Moves the task to target_column_id. Bind it as transparent to redirect the task once the chain reaches it.",
			schemaJSON: `{
				"type": "object",
				"properties": {"target_column_id": {"type": "string", "minLength": 1}},
				"required": ["target_column_id"]
			}`,
			run: c.runMoveTask,
		},
		{
			id:          SetPriorityID,
			name:        "Set priority",
			description: "Sets the task's priority, used as its queue priority when it waits for a limited column.",
			schemaJSON: `{
				"type": "object",
				"properties": {"priority": {"type": "integer"}},
				"required": ["priority"]
			}`,
			run: c.runSetPriority,
		},
		{
			id:          NotifyID,
			name:        "Notify",
			description: "Publishes message on the event stream.",
			schemaJSON: `{
				"type": "object",
				"properties": {"message": {"type": "string"}},
				"required": ["message"]
			}`,
			run: c.runNotify,
		},
		{
			id:          DelayID,
			name:        "Delay",
			description: "Waits for the given number of seconds.",
			schemaJSON: `{
				"type": "object",
				"properties": {"seconds": {"type": "number", "minimum": 0, "maximum": 86400}},
				"required": ["seconds"]
			}`,
			run: runDelay,
		},
	}
	for _, h := range hooks {
		schema, err := compileSchema(h.id, h.schemaJSON)
		if err != nil {
			return nil, err
		}
		h.schema = schema
	}
	return hooks, nil
}

func (c *Catalog) runMoveTask(ctx context.Context, inv Invocation) error {
	target, _ := inv.Settings["target_column_id"].(string)
	col, err := c.store.GetColumn(ctx, target)
	if err != nil {
		return fmt.Errorf("move-task target: %w", err)
	}
	if inv.BoardID != "" && col.BoardID != inv.BoardID {
		return fmt.Errorf("move-task target %s belongs to another board", target)
	}
	if col.ID == inv.ColumnID {
		return fmt.Errorf("move-task target %s is the triggering column", target)
	}
	return nil
}

func (c *Catalog) runSetPriority(ctx context.Context, inv Invocation) error {
	priority, err := intSetting(inv.Settings, "priority")
	if err != nil {
		return err
	}
	return c.store.SetTaskPriority(ctx, inv.TaskID, priority)
}

func (c *Catalog) runNotify(_ context.Context, inv Invocation) error {
	msg, _ := inv.Settings["message"].(string)
	c.bus.Publish(bus.TopicHookNotify, bus.HookNotification{
		TaskID:   inv.TaskID,
		ColumnID: inv.ColumnID,
		Message:  msg,
	})
	return nil
}

func runDelay(ctx context.Context, inv Invocation) error {
	secs, err := floatSetting(inv.Settings, "seconds")
	if err != nil {
		return err
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func floatSetting(settings map[string]any, key string) (float64, error) {
	switch v := settings[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("setting %q: expected number, got %T", key, v)
	}
}

func intSetting(settings map[string]any, key string) (int, error) {
	f, err := floatSetting(settings, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
