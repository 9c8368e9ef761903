package gateway

import (
	"fmt"

	"github.com/frahmantamala/payment-connector/internal"
)

type Providers map[Name]PaymentProvider

func NewProviders(providers ...PaymentProvider) Providers {
	registry := make(Providers, len(providers))
	for _, p := range providers {
		registry[p.Name()] = p
	}
	return registry
}

func (p Providers) Resolve(name string) (PaymentProvider, error) {
	provider, ok := p[Name(name)]
	if !ok {
		return nil, fmt.Errorf("resolve provider %q: %w", name, internal.ErrProviderNotFound)
	}
	return provider, nil
}

func (p Providers) Names() []Name {
	names := make([]Name, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	return names
}
