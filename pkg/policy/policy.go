// Package policy defines per-category cache behavior and the registry that
// resolves it. Categories group cache entries that share lifetime, capacity,
// compression, and sync requirements.
package policy

import (
	"fmt"
	"time"
)

// SyncStrategy controls when locally written data for a category is pushed
// to the remote service.
type SyncStrategy string

const (
	// SyncImmediate pushes the mutation as soon as it is enqueued
	SyncImmediate SyncStrategy = "immediate"
	// SyncBackground pushes during the periodic drain
	SyncBackground SyncStrategy = "background"
	// SyncConditional pushes only when connectivity conditions allow
	SyncConditional SyncStrategy = "conditional"
	// SyncManual pushes only when the host application asks for a drain
	SyncManual SyncStrategy = "manual"
	// SyncOnStartup pushes during engine start
	SyncOnStartup SyncStrategy = "on_startup"
)

// CachePolicy describes how entries of one category are cached and synced.
// Policies are value types; registering a policy replaces the previous one
// wholesale.
type CachePolicy struct {
	// TTL is the entry lifetime. Entries older than this are absent.
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`
	// MaxMemoryItems bounds the memory tier for this category
	MaxMemoryItems int `json:"max_memory_items" mapstructure:"max_memory_items"`
	// CompressionEnabled turns on payload compression for entries at or
	// above the pipeline threshold
	CompressionEnabled bool `json:"compression_enabled" mapstructure:"compression_enabled"`
	// SyncStrategy controls when mutations reach the remote service
	SyncStrategy SyncStrategy `json:"sync_strategy" mapstructure:"sync_strategy"`
	// Priority orders queued mutations; higher drains first
	Priority int `json:"priority" mapstructure:"priority"`
	// PreloadOnStart fills the memory tier from the persistent tier at
	// engine start
	PreloadOnStart bool `json:"preload_on_start" mapstructure:"preload_on_start"`
}

// DefaultPolicy returns the policy applied to categories that were never
// registered: one hour TTL, 100 memory items, no compression, background
// sync at priority 1.
func DefaultPolicy() CachePolicy {
	return CachePolicy{
		TTL:                time.Hour,
		MaxMemoryItems:     100,
		CompressionEnabled: false,
		SyncStrategy:       SyncBackground,
		Priority:           1,
		PreloadOnStart:     false,
	}
}

// Validate checks that the policy is usable
func (p CachePolicy) Validate() error {
	if p.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if p.MaxMemoryItems <= 0 {
		return fmt.Errorf("max_memory_items must be positive")
	}
	switch p.SyncStrategy {
	case SyncImmediate, SyncBackground, SyncConditional, SyncManual, SyncOnStartup:
	default:
		return fmt.Errorf("invalid sync strategy: %s", p.SyncStrategy)
	}
	return nil
}

// BuiltinPolicies returns the static category table the engine ships with.
// The host application can override any of these at runtime via Register.
func BuiltinPolicies() map[string]CachePolicy {
	return map[string]CachePolicy{
		"vehicle_status": {
			TTL:                2 * time.Minute,
			MaxMemoryItems:     50,
			CompressionEnabled: false,
			SyncStrategy:       SyncImmediate,
			Priority:           10,
		},
		"bookings": {
			TTL:                30 * time.Minute,
			MaxMemoryItems:     100,
			CompressionEnabled: true,
			SyncStrategy:       SyncImmediate,
			Priority:           9,
		},
		"user_preferences": {
			TTL:                24 * time.Hour,
			MaxMemoryItems:     200,
			CompressionEnabled: false,
			SyncStrategy:       SyncBackground,
			Priority:           3,
			PreloadOnStart:     true,
		},
		"poi_data": {
			TTL:                6 * time.Hour,
			MaxMemoryItems:     500,
			CompressionEnabled: true,
			SyncStrategy:       SyncConditional,
			Priority:           2,
		},
		"trip_history": {
			TTL:                12 * time.Hour,
			MaxMemoryItems:     300,
			CompressionEnabled: true,
			SyncStrategy:       SyncBackground,
			Priority:           4,
		},
	}
}
