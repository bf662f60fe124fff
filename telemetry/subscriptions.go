package telemetry

import (
	"slices"
	"sync"
)

// Subscriptions records which telemetry events each plugin asked for.
// A plugin with no events left has no entry at all.
type Subscriptions struct {
	mu       sync.RWMutex
	byPlugin map[string]map[string]struct{}
}

// NewSubscriptions returns an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{byPlugin: make(map[string]map[string]struct{})}
}

// Subscribe adds events to the plugin's set. Repeating a subscription is a no-op.
func (s *Subscriptions) Subscribe(pluginID string, events []string) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byPlugin[pluginID]
	if !ok {
		set = make(map[string]struct{}, len(events))
		s.byPlugin[pluginID] = set
	}
	for _, e := range events {
		set[e] = struct{}{}
	}
}

// Unsubscribe removes events from the plugin's set. A nil slice removes
// everything; an empty non-nil slice removes nothing.
func (s *Subscriptions) Unsubscribe(pluginID string, events []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byPlugin[pluginID]
	if !ok {
		return
	}
	if events == nil {
		delete(s.byPlugin, pluginID)
		return
	}
	for _, e := range events {
		delete(set, e)
	}
	if len(set) == 0 {
		delete(s.byPlugin, pluginID)
	}
}

// IsAnyoneInterested reports whether any plugin subscribed to event.
func (s *Subscriptions) IsAnyoneInterested(event string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, set := range s.byPlugin {
		if _, ok := set[event]; ok {
			return true
		}
	}
	return false
}

// Wants reports whether pluginID subscribed to event.
func (s *Subscriptions) Wants(pluginID, event string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byPlugin[pluginID][event]
	return ok
}

// Desired is true while at least one plugin holds a non-empty subscription.
func (s *Subscriptions) Desired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, set := range s.byPlugin {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// Events lists the plugin's subscribed events, sorted.
func (s *Subscriptions) Events(pluginID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byPlugin[pluginID]
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

// Plugins lists plugin ids holding a subscription, sorted.
func (s *Subscriptions) Plugins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byPlugin))
	for id := range s.byPlugin {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
