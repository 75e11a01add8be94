package domain

import "fmt"

// registryKey identifies one domain implementation by its domain name and
// the specific bot persona running it — the same domain can back several
// bots with different prompts/voices.
type registryKey struct {
	domain, botName string
}

// Registry resolves a (domain, botName) pair to a Domain implementation,
// so new domains register themselves rather than needing a code-level
// switch arm.
type Registry struct {
	entries map[registryKey]Domain
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]Domain)}
}

// Register adds a Domain implementation under (domainName, botName). A
// later Register call for the same pair replaces the earlier one, which
// lets USE_ENGINE swap a call onto a different implementation mid-flight.
func (r *Registry) Register(domainName, botName string, d Domain) {
	r.entries[registryKey{domainName, botName}] = d
}

// Resolve looks up the Domain implementation for a (domainName, botName)
// pair.
func (r *Registry) Resolve(domainName, botName string) (Domain, error) {
	d, ok := r.entries[registryKey{domainName, botName}]
	if !ok {
		return nil, fmt.Errorf("domain: no implementation registered for domain=%q bot=%q", domainName, botName)
	}
	return d, nil
}

// Names returns the registered (domain, bot) pairs, for diagnostics.
func (r *Registry) Names() [][2]string {
	names := make([][2]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, [2]string{k.domain, k.botName})
	}
	return names
}
