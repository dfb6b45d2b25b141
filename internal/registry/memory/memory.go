package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dev-tams/npmretain/internal/registry"
)

// Registry is an in-memory registry.Registry holding the versions of one or
// more packages. Failures can be injected per operation.
type Registry struct {
	mu         sync.RWMutex
	versions   map[string][]string
	deprecated map[string]string

	FailList      bool
	FailMetadata  map[string]bool
	FailDeprecate map[string]bool

	MetadataCalls  []string
	DeprecateCalls []string
}

var _ registry.Registry = (*Registry)(nil)

func New() *Registry {
	return &Registry{
		versions:      make(map[string][]string),
		deprecated:    make(map[string]string),
		FailMetadata:  make(map[string]bool),
		FailDeprecate: make(map[string]bool),
	}
}

// Publish appends versions to pkg in listing order.
func (r *Registry) Publish(pkg string, versions ...string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[pkg] = append(r.versions[pkg], versions...)
	return r
}

// MarkDeprecated sets a deprecation message without recording a call.
func (r *Registry) MarkDeprecated(pkg, version, message string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deprecated[key(pkg, version)] = message
	return r
}

func (r *Registry) DeprecationMessage(pkg, version string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deprecated[key(pkg, version)]
}

func (r *Registry) ListVersions(_ context.Context, pkg string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.FailList {
		return nil, fmt.Errorf("%w: list %s", registry.ErrUnavailable, pkg)
	}
	return append([]string(nil), r.versions[pkg]...), nil
}

func (r *Registry) GetMetadata(_ context.Context, pkg, version string) (registry.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.MetadataCalls = append(r.MetadataCalls, version)
	if r.FailMetadata[version] {
		return registry.Metadata{}, fmt.Errorf("%w: view %s", registry.ErrUnavailable, key(pkg, version))
	}
	if !r.published(pkg, version) {
		return registry.Metadata{}, fmt.Errorf("%w: %s not found", registry.ErrUnavailable, key(pkg, version))
	}
	return registry.Metadata{
		Name:       pkg,
		Version:    version,
		Deprecated: r.deprecated[key(pkg, version)],
	}, nil
}

func (r *Registry) Deprecate(_ context.Context, pkg, version, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DeprecateCalls = append(r.DeprecateCalls, version)
	if r.FailDeprecate[version] {
		return fmt.Errorf("%w: deprecate %s", registry.ErrUnavailable, key(pkg, version))
	}
	if !r.published(pkg, version) {
		return fmt.Errorf("%w: %s not found", registry.ErrUnavailable, key(pkg, version))
	}
	r.deprecated[key(pkg, version)] = message
	return nil
}

func (r *Registry) published(pkg, version string) bool {
	for _, v := range r.versions[pkg] {
		if v == version {
			return true
		}
	}
	return false
}

func key(pkg, version string) string {
	return pkg + "@" + version
}
