package admin

import (
	"sort"
	"sync"
)

// Component is an inspectable part of a running process.
type Component interface {
	Name() string
	Status() (any, error)
	Actions() map[string]Action
}

// Action executes a component command and returns a short report.
type Action func() (string, error)

// Registry stores components by name.
type Registry struct {
	repo map[string]Component
	mu   sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{repo: make(map[string]Component)}
}

// Register adds c under its name, replacing any previous entry.
func (r *Registry) Register(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[c.Name()] = c
}

func (r *Registry) Get(name string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.repo[name]
	return c, ok
}

// All returns a snapshot of the registered components.
func (r *Registry) All() map[string]Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Component, len(r.repo))
	for name, c := range r.repo {
		out[name] = c
	}
	return out
}

type ComponentInfo struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

func (r *Registry) list() []ComponentInfo {
	entries := r.All()
	list := make([]ComponentInfo, 0, len(entries))
	for name, c := range entries {
		if c == nil {
			continue
		}
		actions := make([]string, 0, len(c.Actions()))
		for action := range c.Actions() {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		list = append(list, ComponentInfo{Name: name, Actions: actions})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}
