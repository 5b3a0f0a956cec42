// Package hooks resolves hook ids to the two hook variants (system and
// custom) and invokes them.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/persistence"
)

// SystemPrefix namespaces code-defined hooks.
const SystemPrefix = "system:"

// ErrNotFound is returned when a hook id resolves to nothing.
var ErrNotFound = errors.New("hooks: not found")

// Hook is either a *SystemHook or a *CustomHook. The set is closed.
type Hook interface {
	ID() string
	Name() string
	Enabled() bool
	hook()
}

// CustomHook is a board-scoped hook delegated to a Runner.
type CustomHook struct {
	Record persistence.HookRecord
}

func (h *CustomHook) ID() string                 { return h.Record.ID }
func (h *CustomHook) Name() string               { return h.Record.Name }
func (h *CustomHook) Enabled() bool              { return h.Record.Enabled }
func (h *CustomHook) Kind() persistence.HookKind { return h.Record.Kind }
func (h *CustomHook) hook()                      {}

// Invocation carries what a hook needs to run for one execution.
type Invocation struct {
	ExecutionID string
	TaskID      string
	BoardID     string
	ColumnID    string
	Settings    map[string]any
}

// Store is the subset of the record layer the catalog reads and the
// system hooks write.
type Store interface {
	GetHook(ctx context.Context, hookID string) (*persistence.HookRecord, error)
	ListHooks(ctx context.Context, boardID string) ([]persistence.HookRecord, error)
	GetColumn(ctx context.Context, columnID string) (*persistence.Column, error)
	SetTaskPriority(ctx context.Context, taskID string, priority int) error
}

// Catalog lists and resolves hooks and dispatches invocations.
type Catalog struct {
	store  Store
	bus    *bus.Bus
	runner Runner
	system []*SystemHook
	byID   map[string]*SystemHook
}

// NewCatalog builds the catalog with the built-in system hooks. runner may
// be nil, in which case custom hooks fail when invoked.
func NewCatalog(store Store, eventBus *bus.Bus, runner Runner) (*Catalog, error) {
	c := &Catalog{store: store, bus: eventBus, runner: runner, byID: make(map[string]*SystemHook)}
	system, err := builtinSystemHooks(c)
	if err != nil {
		return nil, err
	}
	c.system = system
	for _, h := range system {
		c.byID[h.id] = h
	}
	return c, nil
}

// IsSystemID reports whether id names a system hook.
func IsSystemID(id string) bool {
	return strings.HasPrefix(id, SystemPrefix)
}

// SystemHooks returns the built-in hooks in declaration order.
func (c *Catalog) SystemHooks() []*SystemHook {
	out := make([]*SystemHook, len(c.system))
	copy(out, c.system)
	return out
}

// ListAllHooks returns the system hooks followed by the board's custom
// hooks sorted by name.
func (c *Catalog) ListAllHooks(ctx context.Context, boardID string) ([]Hook, error) {
	out := make([]Hook, 0, len(c.system))
	for _, h := range c.system {
		out = append(out, h)
	}
	records, err := c.store.ListHooks(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("list custom hooks: %w", err)
	}
	for _, r := range records {
		out = append(out, &CustomHook{Record: r})
	}
	return out, nil
}

// GetHook resolves id against the system set when it carries the system
// prefix and against the custom store otherwise.
func (c *Catalog) GetHook(ctx context.Context, id string) (Hook, error) {
	if IsSystemID(id) {
		h, ok := c.byID[id]
		if !ok {
			return nil, fmt.Errorf("system hook %q: %w", id, ErrNotFound)
		}
		return h, nil
	}
	rec, err := c.store.GetHook(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("custom hook %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &CustomHook{Record: *rec}, nil
}

// Invoke runs hook for one execution. It blocks until the hook returns or
// ctx is cancelled.
func (c *Catalog) Invoke(ctx context.Context, h Hook, inv Invocation) error {
	switch h := h.(type) {
	case *SystemHook:
		if err := h.Validate(inv.Settings); err != nil {
			return err
		}
		return h.run(ctx, inv)
	case *CustomHook:
		if c.runner == nil {
			return fmt.Errorf("no runner configured for custom hook %q", h.Name())
		}
		return c.runner.Run(ctx, h, inv)
	default:
		return fmt.Errorf("unsupported hook type %T", h)
	}
}
