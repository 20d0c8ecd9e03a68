package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smilemakc/checkwave/pkg/models"
)

// Registry resolves the provider backing each configured check and fans
// run-level webhook context out to the providers that accept it. Lookup is
// by the check's declared type; resolution errors name the check so config
// mistakes read well in logs and issues.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Provider)}
}

// Register binds a provider to a check type, replacing any existing
// binding.
func (r *Registry) Register(checkType string, p Provider) error {
	if checkType == "" {
		return fmt.Errorf("check type cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("provider for type %q cannot be nil", checkType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[checkType] = p
	return nil
}

// ForCheck resolves the provider for a check declaration.
func (r *Registry) ForCheck(cfg *models.CheckConfig) (Provider, error) {
	if cfg == nil {
		return nil, models.ErrProviderNotFound
	}

	r.mu.RLock()
	p, ok := r.byType[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("check %q: %w: %s", cfg.ID, models.ErrProviderNotFound, cfg.Type)
	}
	return p, nil
}

// ValidateCheck resolves the check's provider and, when it can statically
// validate params, runs that validation against the check's passthrough
// keys.
func (r *Registry) ValidateCheck(cfg *models.CheckConfig) error {
	p, err := r.ForCheck(cfg)
	if err != nil {
		return err
	}
	validator, ok := p.(Validator)
	if !ok {
		return nil
	}
	if err := validator.Validate(Params(cfg.Params)); err != nil {
		return fmt.Errorf("check %q: %w", cfg.ID, err)
	}
	return nil
}

// Types returns the registered check types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SetWebhookContext fans the payload out to every webhook-aware provider.
func (r *Registry) SetWebhookContext(payload map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.byType {
		if aware, ok := p.(WebhookAware); ok {
			aware.SetWebhookContext(payload)
		}
	}
}
