package policy

import (
	"sync"

	"github.com/roadmate/drivesync/pkg/observability"
)

// Registry resolves cache policies by category. Lookups for unknown
// categories return the default policy rather than an error so callers never
// branch on registration state.
type Registry struct {
	mu         sync.RWMutex
	policies   map[string]CachePolicy
	defaultPol CachePolicy
	logger     observability.Logger
}

// NewRegistry creates a registry seeded with the given policy table. A nil
// seed starts empty. The logger may be nil.
func NewRegistry(seed map[string]CachePolicy, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	policies := make(map[string]CachePolicy, len(seed))
	for category, pol := range seed {
		policies[category] = pol
	}
	return &Registry{
		policies:   policies,
		defaultPol: DefaultPolicy(),
		logger:     logger,
	}
}

// Resolve returns the policy for the category, or the default policy when
// the category was never registered
func (r *Registry) Resolve(category string) CachePolicy {
	r.mu.RLock()
	pol, ok := r.policies[category]
	r.mu.RUnlock()
	if !ok {
		return r.defaultPol
	}
	return pol
}

// Register installs or replaces the policy for a category. Entries cached
// under a previous policy keep the TTL they were written with; the new
// policy applies to subsequent writes.
func (r *Registry) Register(category string, pol CachePolicy) error {
	if err := pol.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	_, replaced := r.policies[category]
	r.policies[category] = pol
	r.mu.Unlock()

	if replaced {
		r.logger.Info("Replaced cache policy", map[string]interface{}{
			"category": category,
			"ttl":      pol.TTL.String(),
		})
	}
	return nil
}

// Registered reports whether the category has an explicit policy
func (r *Registry) Registered(category string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.policies[category]
	return ok
}

// Categories returns a snapshot of all registered category names
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for category := range r.policies {
		names = append(names, category)
	}
	return names
}

// Snapshot returns a copy of the full policy table
func (r *Registry) Snapshot() map[string]CachePolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]CachePolicy, len(r.policies))
	for category, pol := range r.policies {
		out[category] = pol
	}
	return out
}
