package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// TenantOverrides holds per-tenant vocabulary and threshold overrides
// layered on top of the environment-variable [Config]. Supplied via
// [Config.TenantOverridesPath] and hot-reloaded by [Watcher].
type TenantOverrides struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// TenantOverride adjusts ASR behavior for a single tenant. A nil pointer
// field means "no override, use the global default".
type TenantOverride struct {
	// VocabularyTerms boosts phonetic matching for this tenant's domain
	// terms (see internal/transcript/phonetic).
	VocabularyTerms []string `yaml:"vocabulary_terms"`

	// SilenceThreshold overrides the global VAD silence threshold.
	SilenceThreshold *float64 `yaml:"silence_threshold"`

	// AmplificationFactor overrides the global audio amplification factor.
	AmplificationFactor *float64 `yaml:"amplification_factor"`
}

// LoadTenantOverrides reads and parses a tenant-overrides YAML document
// from r.
func LoadTenantOverrides(r io.Reader) (*TenantOverrides, error) {
	o := &TenantOverrides{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(o); err != nil {
		return nil, fmt.Errorf("config: decode tenant overrides: %w", err)
	}
	if o.Tenants == nil {
		o.Tenants = map[string]TenantOverride{}
	}
	return o, nil
}
