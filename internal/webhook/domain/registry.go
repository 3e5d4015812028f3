package domain

import "strings"

type Registry struct {
	verifiers map[string]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	registry := &Registry{verifiers: map[string]Verifier{}}
	for _, v := range verifiers {
		if v == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(v.Provider()))
		if provider == "" {
			continue
		}
		registry.verifiers[provider] = v
	}
	return registry
}

func (r *Registry) Get(provider string) (Verifier, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.verifiers[strings.ToLower(strings.TrimSpace(provider))]
	return v, ok
}
