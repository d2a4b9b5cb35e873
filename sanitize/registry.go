package sanitize

import (
	"fmt"
	"sort"
	"sync"

	"github.com/strahe/assessor-sync/models"
)

// Registry holds the sanitization rules known to an engine. Reads are concurrent;
// every mutation is serialized under one writer lock.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry returns a registry pre-populated with the built-in rules.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]Rule)}
	for _, rule := range DefaultRules() {
		r.rules[rule.Name] = rule
	}
	return r
}

func validateRule(rule Rule) error {
	if rule.Name == "" {
		return models.NewConfigError("sanitization rule name is required")
	}
	if !rule.Strategy.Valid() {
		return models.NewConfigError("rule %s: unknown strategy %q", rule.Name, rule.Strategy)
	}
	if rule.Strategy == StrategyCustom && rule.Func == nil {
		return models.NewConfigError("rule %s: custom strategy requires a function", rule.Name)
	}
	return nil
}

func (r *Registry) Register(rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.Name]; ok {
		return fmt.Errorf("%s: %w", rule.Name, models.ErrDuplicateRule)
	}
	r.rules[rule.Name] = rule
	return nil
}

// Override replaces an existing rule.
func (r *Registry) Override(rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.Name]; !ok {
		return fmt.Errorf("%s: %w", rule.Name, models.ErrUnknownRule)
	}
	r.rules[rule.Name] = rule
	return nil
}

func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[name]; !ok {
		return fmt.Errorf("%s: %w", name, models.ErrUnknownRule)
	}
	delete(r.rules, name)
	return nil
}

func (r *Registry) Get(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	return rule, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for n := range r.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close drops every rule.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = make(map[string]Rule)
	return nil
}
