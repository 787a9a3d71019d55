package relay

import (
	"fmt"
	"sort"
	"sync"
)

// GroupRegistry maps group names to member program ids. The table is fixed
// at construction; lookups copy so callers cannot mutate the registry.
type GroupRegistry struct {
	mu     sync.RWMutex
	groups map[string][]string
}

// DefaultGroups is the built-in multicast table.
var DefaultGroups = map[string][]string{
	"all":      {"orchestrator", "builder", "able", "beck"},
	"builders": {"builder", "able", "beck"},
}

// NewGroupRegistry creates a registry. Pass nil to use DefaultGroups.
func NewGroupRegistry(groups map[string][]string) *GroupRegistry {
	if groups == nil {
		groups = DefaultGroups
	}
	copied := make(map[string][]string, len(groups))
	for name, members := range groups {
		copied[name] = append([]string(nil), members...)
	}
	return &GroupRegistry{groups: copied}
}

// Members returns the member list for a group, or ok=false for unknown names.
func (r *GroupRegistry) Members(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.groups[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), members...), true
}

// IsGroup reports whether name is a registered group.
func (r *GroupRegistry) IsGroup(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[name]
	return ok
}

// Names returns the registered group names, sorted.
func (r *GroupRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *GroupRegistry) String() string {
	return fmt.Sprintf("GroupRegistry(%d groups)", len(r.groups))
}
