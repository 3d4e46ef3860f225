// Package registry maps connection-configuration discriminators to the
// service repository that owns them.
//
// The registry is built once from the platform's category descriptors and is
// read-only afterwards, so it can be shared by concurrent workers.
package registry

import (
	"fmt"
	"sort"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/store"
)

// Descriptor describes one category of the platform. Service-style
// categories set ConnectionType and Services; the others only have a Name.
type Descriptor struct {
	Name           string
	ConnectionType string
	Services       store.ServiceRepository
}

// IsService reports whether the descriptor is service-style.
func (d Descriptor) IsService() bool {
	return d.ConnectionType != "" && d.Services != nil
}

// Registry is the connection type index.
type Registry struct {
	byType map[string]store.ServiceRepository
	order  []store.ServiceRepository
}

// Build indexes the service-style descriptors by connection type in
// registration order. It fails with errors.ErrRegistryEmpty when there are
// none.
func Build(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{byType: make(map[string]store.ServiceRepository)}

	for _, d := range descriptors {
		if !d.IsService() {
			continue
		}
		if _, dup := r.byType[d.ConnectionType]; dup {
			return nil, dserrors.ConfigError{
				Field:   "catalog",
				Value:   d.ConnectionType,
				Message: fmt.Sprintf("connection type declared by more than one category (%s)", d.Name),
			}
		}
		r.byType[d.ConnectionType] = d.Services
		r.order = append(r.order, d.Services)
	}

	if len(r.order) == 0 {
		return nil, dserrors.ErrRegistryEmpty
	}
	return r, nil
}

// Lookup returns the repository owning connectionType.
func (r *Registry) Lookup(connectionType string) (store.ServiceRepository, error) {
	repo, ok := r.byType[connectionType]
	if !ok {
		return nil, &dserrors.UnmappedConnectionTypeError{
			ConnectionType: connectionType,
			Known:          r.ConnectionTypes(),
		}
	}
	return repo, nil
}

// Repositories returns the service repositories in registration order.
func (r *Registry) Repositories() []store.ServiceRepository {
	out := make([]store.ServiceRepository, len(r.order))
	copy(out, r.order)
	return out
}

// ConnectionTypes returns the registered discriminators, sorted.
func (r *Registry) ConnectionTypes() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
