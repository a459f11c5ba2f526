package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

// EnableResult is the outcome of a group enable request.
type EnableResult string

const (
	EnableOK             EnableResult = "ok"
	EnableAlreadyEnabled EnableResult = "alreadyEnabled"
	EnableUnknownGroup   EnableResult = "unknownGroup"
	EnableNameConflict   EnableResult = "nameConflict"
)

// DisableResult is the outcome of a group disable request.
type DisableResult string

const (
	DisableOK                 DisableResult = "ok"
	DisableCoreGroupImmutable DisableResult = "coreGroupImmutable"
	DisableUnknownGroup       DisableResult = "unknownGroup"
)

// Registry holds the tool groups known to one session worker and tracks
// which are enabled. Each worker owns its own registry; there is no
// process-wide instance.
type Registry struct {
	mu      sync.RWMutex
	groups  map[string]*Group
	enabled map[string]bool
}

// NewRegistry creates a registry with the given groups registered. Core
// groups are enabled immediately.
func NewRegistry(groups ...*Group) (*Registry, error) {
	r := &Registry{
		groups:  make(map[string]*Group),
		enabled: make(map[string]bool),
	}
	for _, g := range groups {
		if err := r.RegisterGroup(g); err != nil {
			return nil, err
		}
	}
	for id := range CoreGroups {
		if _, ok := r.groups[id]; ok {
			r.enabled[id] = true
		}
	}
	return r, nil
}

// RegisterGroup adds a group. Registration does not enable the group
// (core groups are enabled by NewRegistry). Duplicate group ids and
// definitions without handlers are rejected.
func (r *Registry) RegisterGroup(g *Group) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("tool group requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[g.ID]; exists {
		return fmt.Errorf("tool group %q already registered", g.ID)
	}
	for _, def := range g.Defs {
		if def.Name == "" {
			return fmt.Errorf("tool group %q: tool with empty name", g.ID)
		}
		if _, ok := g.Handlers[def.Name]; !ok {
			return fmt.Errorf("tool group %q: tool %q has no handler", g.ID, def.Name)
		}
	}
	r.groups[g.ID] = g
	return nil
}

// Enable turns a group on. Refuses when any of the group's tool names
// collides with a tool from an already-enabled group: no two enabled
// tools may share a name.
func (r *Registry) Enable(groupID string) EnableResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return EnableUnknownGroup
	}
	if r.enabled[groupID] {
		return EnableAlreadyEnabled
	}

	taken := make(map[string]bool)
	for id, other := range r.groups {
		if !r.enabled[id] {
			continue
		}
		for _, def := range other.Defs {
			taken[def.Name] = true
		}
	}
	for _, def := range g.Defs {
		if taken[def.Name] {
			return EnableNameConflict
		}
	}

	r.enabled[groupID] = true
	return EnableOK
}

// Disable turns a group off. Core groups are immutable.
func (r *Registry) Disable(groupID string) DisableResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if CoreGroups[groupID] {
		return DisableCoreGroupImmutable
	}
	if _, ok := r.groups[groupID]; !ok {
		return DisableUnknownGroup
	}
	delete(r.enabled, groupID)
	return DisableOK
}

// IsEnabled reports whether the group is currently enabled.
func (r *Registry) IsEnabled(groupID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[groupID]
}

// ListSchemas returns the schemas of every enabled tool, sorted by name,
// for the LLM request.
func (r *Registry) ListSchemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var schemas []models.ToolSchema
	for id, g := range r.groups {
		if !r.enabled[id] {
			continue
		}
		for _, def := range g.Defs {
			schemas = append(schemas, def.Schema())
		}
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Lookup finds an enabled tool by name.
func (r *Registry) Lookup(name string) (Definition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, g := range r.groups {
		if !r.enabled[id] {
			continue
		}
		for _, def := range g.Defs {
			if def.Name == name {
				return def, g.Handlers[name], true
			}
		}
	}
	return Definition{}, nil, false
}

// HasTool reports whether an enabled tool with the name exists.
func (r *Registry) HasTool(name string) bool {
	_, _, ok := r.Lookup(name)
	return ok
}

// KnownTool reports whether any registered group, enabled or not,
// defines a tool with the name.
func (r *Registry) KnownTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range r.groups {
		for _, def := range g.Defs {
			if def.Name == name {
				return true
			}
		}
	}
	return false
}

// EnabledOptionalGroups returns the ids of enabled non-core groups,
// sorted.
func (r *Registry) EnabledOptionalGroups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id := range r.enabled {
		if !CoreGroups[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SummaryForPlanning renders a human-readable digest of the enabled
// tools, grouped, for the planner and the system prompt.
func (r *Registry) SummaryForPlanning() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.enabled))
	for id := range r.enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, id := range ids {
		g := r.groups[id]
		if g == nil || len(g.Defs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%s]\n", id)
		for _, def := range g.Defs {
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, firstSentence(def.Description))
		}
	}
	return b.String()
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		return s[:i+1]
	}
	return s
}
