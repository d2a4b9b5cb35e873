package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/strahe/assessor-sync/models"
)

// Registry resolves endpoint refs to pooled connectors. Each endpoint is opened on
// first use and shared by every job until Close.
type Registry struct {
	endpoints map[string]string
	pool      PoolConfig

	mu    sync.Mutex
	conns map[string]Connector
}

func NewRegistry(endpoints map[string]string, pool PoolConfig) *Registry {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &Registry{endpoints: eps, pool: pool, conns: make(map[string]Connector)}
}

// Add registers an already open connector under ref.
func (r *Registry) Add(ref string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[ref] = c
}

// Get returns the connector for ref. Refs that are not configured endpoint names
// but look like URIs are opened directly.
func (r *Registry) Get(ctx context.Context, ref string) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[ref]; ok {
		return c, nil
	}
	uri, ok := r.endpoints[ref]
	if !ok {
		if !strings.Contains(ref, "://") && !strings.HasPrefix(ref, "file:") {
			return nil, models.NewConfigError("unknown endpoint %q", ref)
		}
		uri = ref
	}
	c, err := Open(ctx, ref, uri, r.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open endpoint %s: %w", ref, err)
	}
	r.conns[ref] = c
	return c, nil
}

// Refs lists the configured endpoint names.
func (r *Registry) Refs() []string {
	refs := make([]string, 0, len(r.endpoints))
	for k := range r.endpoints {
		refs = append(refs, k)
	}
	sort.Strings(refs)
	return refs
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for ref, c := range r.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", ref, err))
		}
		delete(r.conns, ref)
	}
	return errors.Join(errs...)
}
