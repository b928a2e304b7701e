// Package adapters maps exchange names to strategy factories. Exchanges are registered
// explicitly; nothing registers itself at import time.
package adapters

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/binance"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/gateio"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/mexc"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
)

// Registry maintains strategy factories keyed by exchange name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]shared.Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]shared.Factory)}
}

// RegisterDefaults installs the Gate.io, MEXC and Binance factories.
func RegisterDefaults(reg *Registry) error {
	for name, factory := range map[string]shared.Factory{
		gateio.Name:  gateio.New,
		mexc.Name:    mexc.New,
		binance.Name: binance.New,
	} {
		if err := reg.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a factory. Names are case insensitive and may be registered once.
func (r *Registry) Register(name string, factory shared.Factory) error {
	key := normalize(name)
	if key == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("exchange name required"))
	}
	if factory == nil {
		return errs.New(key, errs.CodeInvalid, errs.WithMessage("factory required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return errs.New(key, errs.CodeInvalid, errs.WithMessage("exchange already registered"))
	}
	r.factories[key] = factory
	return nil
}

// Build creates the strategies for exchange.
func (r *Registry) Build(exchange string, params shared.Params) (shared.Strategies, error) {
	key := normalize(exchange)
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return shared.Strategies{}, errs.New(key, errs.CodeInvalid, errs.WithMessage("exchange not registered"))
	}
	strategies, err := factory(params)
	if err != nil {
		return shared.Strategies{}, fmt.Errorf("build %s %s strategies: %w", key, shared.Or(params.Domain, shared.DomainPublic), err)
	}
	return strategies, nil
}

// Names lists the registered exchanges in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
