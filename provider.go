package pubsub

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider names a transport.
type Provider string

const (
	ProviderMemory   Provider = "memory"
	ProviderPostgres Provider = "postgres"
	ProviderRabbitMQ Provider = "rabbitmq"
	ProviderKafka    Provider = "kafka"
	ProviderNATS     Provider = "nats"
	ProviderRedis    Provider = "redis"
)

// ParseProvider normalizes s to a Provider. It does not check that the
// provider is registered.
func ParseProvider(s string) Provider {
	return Provider(strings.ToLower(strings.TrimSpace(s)))
}

// Factory constructs an adapter from settings.
type Factory func(ctx context.Context, s Settings) (EventAdapter, error)

// Providers maps provider names to adapter factories. Exactly one adapter
// is selected at startup.
type Providers struct {
	mu        sync.RWMutex
	factories map[Provider]Factory
}

// NewProviders returns an empty registry.
func NewProviders() *Providers {
	return &Providers{factories: make(map[Provider]Factory)}
}

// Register adds a factory. Registering a provider twice is an error.
func (p *Providers) Register(provider Provider, f Factory) error {
	if provider == "" || f == nil {
		return ConfigError("provider", fmt.Errorf("name and factory are required"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.factories[provider]; ok {
		return ConfigError("provider", fmt.Errorf("%q already registered", provider))
	}
	p.factories[provider] = f
	return nil
}

// New builds the adapter for provider. An unregistered provider is a
// configuration error naming the provider.
func (p *Providers) New(ctx context.Context, provider Provider, s Settings) (EventAdapter, error) {
	p.mu.RLock()
	f, ok := p.factories[provider]
	p.mu.RUnlock()
	if !ok {
		return nil, ConfigError("provider", fmt.Errorf("unsupported pubsub provider: '%s'", provider))
	}
	return f(ctx, s)
}

// Names returns the registered providers, sorted.
func (p *Providers) Names() []Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Provider, 0, len(p.factories))
	for name := range p.factories {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
