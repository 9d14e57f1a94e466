// Package sft maintains the registry of Semantic Function Type validators.
//
// Validators are pure functions keyed by an SFT id string such as
// "core@v0.1". Unknown ids validate permissively by contract: validators may
// be supplied dynamically, so absence is not failure.
package sft

import (
	"sync"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

// Validator checks a payload against one SFT and returns its violations.
// A nil or empty result means the payload conforms.
type Validator func(value map[string]any) []oerr.Violation

// Registry holds named validators behind a read-shared lock. Reloads swap
// the whole table atomically.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry returns a registry seeded with the built-in validators.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Clear()
	return r
}

// Register installs (or replaces) a validator under the given SFT id.
func (r *Registry) Register(sftID string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[sftID] = v
}

// Get returns the validator registered for sftID.
func (r *Registry) Get(sftID string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[sftID]
	return v, ok
}

// Clear drops all registrations and reseeds the built-ins.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = builtins()
}

// Replace swaps the whole validator table in one step, reseeding built-ins
// underneath the supplied entries. Used by the dynamic reloader.
func (r *Registry) Replace(table map[string]Validator) {
	next := builtins()
	for id, v := range table {
		next[id] = v
	}
	r.mu.Lock()
	r.validators = next
	r.mu.Unlock()
}

// IDs returns the registered SFT ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.validators))
	for id := range r.validators {
		ids = append(ids, id)
	}
	return ids
}

// Validate runs the validator for sftID over value. Unknown SFT ids return
// no violations.
func (r *Registry) Validate(value map[string]any, sftID string) []oerr.Violation {
	v, ok := r.Get(sftID)
	if !ok {
		return nil
	}
	return v(value)
}
