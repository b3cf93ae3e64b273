// Package models provides the read-only model registry.
//
// DESIGN: Descriptors are immutable after load. The registry holds the whole
// catalog behind an atomic pointer and is only ever replaced wholesale, never
// edited in place, so readers can never observe a partial update. The catalog
// comes from a YAML file when configured, otherwise from built-in defaults.
package models

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/agentdeck/chat-gateway/internal/apierror"
)

// Pricing holds per-million-token pricing for a model.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// Descriptor describes one model's identity and capabilities.
type Descriptor struct {
	ID                string  `json:"id" yaml:"id"`
	DisplayName       string  `json:"display_name" yaml:"display_name"`
	Provider          string  `json:"provider" yaml:"provider"` // Provider config key
	ContextWindow     int     `json:"context_window" yaml:"context_window"`
	SupportsStreaming bool    `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsTools     bool    `json:"supports_tools" yaml:"supports_tools"`
	Pricing           Pricing `json:"pricing" yaml:"pricing"`
}

// Cost computes the USD cost of a turn from token counts.
func (d Descriptor) Cost(inputTokens, outputTokens int) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * d.Pricing.InputPerMTok
	outputCost := float64(outputTokens) / 1_000_000 * d.Pricing.OutputPerMTok
	return inputCost + outputCost
}

// snapshot is one immutable catalog generation.
type snapshot struct {
	ordered []Descriptor
	byID    map[string]Descriptor
}

// Registry is a read-only model catalog with wholesale replacement.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from the given descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(descriptors); err != nil {
		return nil, err
	}
	return r, nil
}

// NewDefaultRegistry builds a registry from the built-in catalog.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(defaultCatalog())
	if err != nil {
		// The built-in catalog is validated by tests; this cannot fail.
		panic(err)
	}
	return r
}

// LoadCatalog reads a YAML model catalog file.
func LoadCatalog(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog '%s': %w", path, err)
	}

	var catalog struct {
		Models []Descriptor `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	if len(catalog.Models) == 0 {
		return nil, fmt.Errorf("model catalog '%s' defines no models", path)
	}
	return catalog.Models, nil
}

// Replace swaps the whole catalog atomically. Readers holding the old
// snapshot keep a consistent view.
func (r *Registry) Replace(descriptors []Descriptor) error {
	snap := &snapshot{
		ordered: make([]Descriptor, len(descriptors)),
		byID:    make(map[string]Descriptor, len(descriptors)),
	}
	copy(snap.ordered, descriptors)

	for _, d := range descriptors {
		if d.ID == "" {
			return fmt.Errorf("model descriptor without id")
		}
		if _, dup := snap.byID[d.ID]; dup {
			return fmt.Errorf("duplicate model id %q", d.ID)
		}
		snap.byID[d.ID] = d
	}

	r.current.Store(snap)
	return nil
}

// List returns all descriptors in catalog order.
func (r *Registry) List() []Descriptor {
	snap := r.current.Load()
	out := make([]Descriptor, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	snap := r.current.Load()
	d, ok := snap.byID[id]
	if !ok {
		return Descriptor{}, apierror.NotFound("model", id)
	}
	return d, nil
}

// Capabilities returns the same catalog as List. The capabilities endpoint
// serializes the full descriptor; List is kept separate so a slimmer listing
// can diverge later without a wire change.
func (r *Registry) Capabilities() []Descriptor {
	return r.List()
}

// defaultCatalog is the built-in model set used when no catalog file is
// configured.
func defaultCatalog() []Descriptor {
	return []Descriptor{
		{
			ID: "claude-opus-4-6", DisplayName: "Claude Opus 4.6", Provider: "anthropic",
			ContextWindow: 200_000, SupportsStreaming: true, SupportsTools: true,
			Pricing: Pricing{InputPerMTok: 5, OutputPerMTok: 25},
		},
		{
			ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Provider: "anthropic",
			ContextWindow: 200_000, SupportsStreaming: true, SupportsTools: true,
			Pricing: Pricing{InputPerMTok: 3, OutputPerMTok: 15},
		},
		{
			ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", Provider: "anthropic",
			ContextWindow: 200_000, SupportsStreaming: true, SupportsTools: true,
			Pricing: Pricing{InputPerMTok: 1, OutputPerMTok: 5},
		},
		{
			ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Provider: "anthropic",
			ContextWindow: 200_000, SupportsStreaming: true, SupportsTools: true,
			Pricing: Pricing{InputPerMTok: 1, OutputPerMTok: 5},
		},
		{
			ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai",
			ContextWindow: 128_000, SupportsStreaming: true, SupportsTools: true,
			Pricing: Pricing{InputPerMTok: 2.5, OutputPerMTok: 10},
		},
		{
			ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai",
			ContextWindow: 128_000, SupportsStreaming: true, SupportsTools: true,
			Pricing: Pricing{InputPerMTok: 0.15, OutputPerMTok: 0.60},
		},
	}
}
