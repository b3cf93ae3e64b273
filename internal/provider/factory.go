package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/config"
)

// Registry maps provider config keys to constructed clients. Model
// descriptors reference providers by key.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry constructs every configured provider. A bedrock provider that
// cannot load credentials fails startup rather than failing every request.
func NewRegistry(ctx context.Context, configs map[string]config.ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(configs))}

	for key, cfg := range configs {
		var (
			p   Provider
			err error
		)
		switch cfg.Type {
		case "openai":
			p = NewOpenAI(cfg.APIKey, cfg.BaseURL)
		case "anthropic":
			p = NewAnthropic(cfg.APIKey, cfg.BaseURL)
		case "bedrock":
			p, err = NewBedrock(ctx, cfg.Region)
		default:
			err = fmt.Errorf("unknown provider type %q", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", key, err)
		}
		r.providers[key] = p
		log.Info().Str("provider", key).Str("type", cfg.Type).Msg("provider configured")
	}
	return r, nil
}

// NewRegistryFromProviders wires pre-built providers; used by tests.
func NewRegistryFromProviders(providers map[string]Provider) *Registry {
	return &Registry{providers: providers}
}

// Get returns the provider registered under key.
func (r *Registry) Get(key string) (Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, apierror.Internal("no provider configured for " + key)
	}
	return p, nil
}
