package imaging

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// ArchiveRegistry holds the configured archives keyed by id.
type ArchiveRegistry struct {
	mu      sync.RWMutex
	configs map[int]OrthancConfiguration
}

// NewArchiveRegistry creates a registry seeded with configs.
func NewArchiveRegistry(configs ...OrthancConfiguration) *ArchiveRegistry {
	ar := &ArchiveRegistry{configs: make(map[int]OrthancConfiguration)}
	ar.Replace(configs)
	return ar
}

// List returns all configurations ordered by id.
func (ar *ArchiveRegistry) List() []OrthancConfiguration {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	out := make([]OrthancConfiguration, 0, len(ar.configs))
	for _, c := range ar.configs {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b OrthancConfiguration) int { return a.ID - b.ID })
	return out
}

// Get returns the configuration with id.
func (ar *ArchiveRegistry) Get(id int) (OrthancConfiguration, error) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	c, ok := ar.configs[id]
	if !ok {
		return OrthancConfiguration{}, &NotFoundError{Entity: "archive configuration", ID: strconv.Itoa(id)}
	}
	return c, nil
}

// Endpoint returns the URL to reach archive id: its proxy URL when set, its
// base URL otherwise.
func (ar *ArchiveRegistry) Endpoint(id int) (string, error) {
	c, err := ar.Get(id)
	if err != nil {
		return "", err
	}
	return c.Endpoint(), nil
}

// Reindex records that archive id has been synchronized up to index. An index
// that does not advance the current one is ignored.
func (ar *ArchiveRegistry) Reindex(id int, index int64) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	c, ok := ar.configs[id]
	if !ok || index <= c.LastChangedIndex {
		return false
	}
	c.LastChangedIndex = index
	ar.configs[id] = c
	return true
}

// Replace swaps the configuration set. Indexes already reached locally are
// kept when the incoming copy carries a lower one.
func (ar *ArchiveRegistry) Replace(configs []OrthancConfiguration) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	next := make(map[int]OrthancConfiguration, len(configs))
	for _, c := range configs {
		if old, ok := ar.configs[c.ID]; ok && old.LastChangedIndex > c.LastChangedIndex {
			c.LastChangedIndex = old.LastChangedIndex
		}
		next[c.ID] = c
	}
	ar.configs = next
}

// Load replaces the configuration set with the registry's list.
func (ar *ArchiveRegistry) Load(ctx context.Context, reg Registry) error {
	configs, err := reg.ListConfigurations(ctx)
	if err != nil {
		return fmt.Errorf("load archive configurations: %w", err)
	}
	ar.Replace(configs)
	return nil
}
