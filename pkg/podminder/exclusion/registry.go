// Package exclusion tracks which instances are exempt from idle detection.
// Entries are created implicitly the first time an instance is observed and
// garbage collected when the provider stops reporting it. The durable table
// lives in the store; the registry keeps an in-memory mirror so cycle-time
// checks never touch the database.
package exclusion

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Persistence is the slice of the store the registry needs.
type Persistence interface {
	SetExcluded(instanceID string, excluded bool) error
	LoadExclusions() (map[string]bool, error)
	DeleteExclusion(instanceID string) error
}

// Registry is safe for concurrent use: the collection loop reads it every
// cycle while the HTTP/CLI surfaces toggle entries asynchronously.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]bool
	db      Persistence
}

// New loads the persisted exclusion table and seeds it with any ids carried
// by the configuration file. Seeding only ever adds exclusions; runtime
// toggles are authoritative after startup.
func New(db Persistence, seed []string) (*Registry, error) {
	entries, err := db.LoadExclusions()
	if err != nil {
		return nil, fmt.Errorf("failed to load exclusions: %v", err)
	}

	r := &Registry{entries: entries, db: db}
	for _, id := range seed {
		if r.entries[id] {
			continue
		}
		if err := r.SetExcluded(id, true); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe ensures an entry exists for an instance, defaulting to not
// excluded. Called once per instance per cycle; a no-op for known instances.
func (r *Registry) Observe(instanceID string) error {
	r.mu.RLock()
	_, known := r.entries[instanceID]
	r.mu.RUnlock()
	if known {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.entries[instanceID]; known {
		return nil
	}
	if err := r.db.SetExcluded(instanceID, false); err != nil {
		return err
	}
	r.entries[instanceID] = false
	klog.V(3).InfoS("Tracking new instance", "instance", instanceID)
	return nil
}

// IsExcluded reports whether an instance is currently exempt.
func (r *Registry) IsExcluded(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[instanceID]
}

// Refresh reloads the persisted table, picking up toggles written by other
// processes. Called at cycle boundaries so an edit from the CLI lands on the
// next cycle without a restart. Every in-memory entry is written through to
// the database first, so wholesale replacement loses nothing.
func (r *Registry) Refresh() error {
	entries, err := r.db.LoadExclusions()
	if err != nil {
		return fmt.Errorf("failed to reload exclusions: %v", err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// SetExcluded toggles an instance's exemption, creating the entry if needed.
func (r *Registry) SetExcluded(instanceID string, excluded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, known := r.entries[instanceID]; known && current == excluded {
		return nil
	}
	if err := r.db.SetExcluded(instanceID, excluded); err != nil {
		return err
	}
	r.entries[instanceID] = excluded
	klog.V(2).InfoS("Exclusion changed", "instance", instanceID, "excluded", excluded)
	return nil
}

// Forget drops an instance's entry entirely. Used by fleet cleanup when the
// provider no longer reports the instance.
func (r *Registry) Forget(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.entries[instanceID]; !known {
		return nil
	}
	if err := r.db.DeleteExclusion(instanceID); err != nil {
		return err
	}
	delete(r.entries, instanceID)
	return nil
}

// Known lists every tracked instance id, excluded or not.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// ExcludedIDs lists the currently exempt instances.
func (r *Registry) ExcludedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, excluded := range r.entries {
		if excluded {
			ids = append(ids, id)
		}
	}
	return ids
}
