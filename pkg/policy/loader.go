package policy

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// categoryConfig is the wire shape of one category entry in the config file
type categoryConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	MaxMemoryItems     int           `mapstructure:"max_memory_items"`
	CompressionEnabled bool          `mapstructure:"compression_enabled"`
	SyncStrategy       string        `mapstructure:"sync_strategy"`
	Priority           int           `mapstructure:"priority"`
	PreloadOnStart     bool          `mapstructure:"preload_on_start"`
}

// LoadFromViper registers every category found under the "categories" key of
// the given viper instance. Fields left out of a category entry fall back to
// the default policy's values, so a config only has to name what it changes.
func LoadFromViper(v *viper.Viper, registry *Registry) error {
	raw := v.GetStringMap("categories")
	if len(raw) == 0 {
		return nil
	}

	for category := range raw {
		var cc categoryConfig
		if err := v.UnmarshalKey("categories."+category, &cc); err != nil {
			return fmt.Errorf("failed to unmarshal category %q: %w", category, err)
		}

		pol := DefaultPolicy()
		if cc.TTL > 0 {
			pol.TTL = cc.TTL
		}
		if cc.MaxMemoryItems > 0 {
			pol.MaxMemoryItems = cc.MaxMemoryItems
		}
		if cc.SyncStrategy != "" {
			pol.SyncStrategy = SyncStrategy(cc.SyncStrategy)
		}
		if cc.Priority > 0 {
			pol.Priority = cc.Priority
		}
		pol.CompressionEnabled = cc.CompressionEnabled
		pol.PreloadOnStart = cc.PreloadOnStart

		if err := registry.Register(category, pol); err != nil {
			return fmt.Errorf("invalid policy for category %q: %w", category, err)
		}
	}

	return nil
}
