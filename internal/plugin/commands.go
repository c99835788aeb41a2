package plugin

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
)

// Command is a discoverable trigger. Firing it publishes Event with Data
// (merged with the caller's data) on the bus.
type Command struct {
	Route       string         `json:"route"`
	Event       string         `json:"event"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Data        map[string]any `json:"data,omitempty"`
	Plugin      string         `json:"plugin,omitempty"`
}

// Registry holds commands of running plugins, keyed by route.
type Registry struct {
	mu   sync.RWMutex
	cmds map[string]Command
}

func NewRegistry() *Registry { return &Registry{cmds: map[string]Command{}} }

// replace swaps the full command set; later duplicates of a route are rejected.
func (r *Registry) replace(cmds []Command) []error {
	next := make(map[string]Command, len(cmds))
	var errs []error
	for _, c := range cmds {
		c.Route = normalizeRoute(c.Route)
		if c.Route == "" || strings.TrimSpace(c.Event) == "" {
			errs = append(errs, fmt.Errorf("plugin %s: command needs route and event", c.Plugin))
			continue
		}
		if prev, ok := next[c.Route]; ok {
			errs = append(errs, fmt.Errorf("command %s: registered by %s and %s", c.Route, prev.Plugin, c.Plugin))
			continue
		}
		next[c.Route] = c
	}
	r.mu.Lock()
	r.cmds = next
	r.mu.Unlock()
	return errs
}

func (r *Registry) Lookup(route string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[normalizeRoute(route)]
	return c, ok
}

func (r *Registry) List() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

func normalizeRoute(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// eventData merges caller data with the descriptor's; descriptor keys win so
// a caller cannot retarget the action.
func eventData(c Command, data map[string]any) map[string]any {
	out := make(map[string]any, len(c.Data)+len(data))
	maps.Copy(out, data)
	maps.Copy(out, c.Data)
	return out
}
