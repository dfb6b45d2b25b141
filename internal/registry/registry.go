package registry

import (
	"context"
	"errors"
)

// ErrUnavailable marks a registry call that did not happen (the CLI failed to
// run or exited non-zero). Callers treat it as a recoverable, logged failure.
var ErrUnavailable = errors.New("registry call failed")

// Metadata is the subset of a published version's registry record we act on.
type Metadata struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Deprecated string `json:"deprecated,omitempty"`
}

func (m Metadata) IsDeprecated() bool {
	return m.Deprecated != ""
}

// Registry lists, inspects and deprecates published versions of a package.
type Registry interface {
	ListVersions(ctx context.Context, pkg string) ([]string, error)
	GetMetadata(ctx context.Context, pkg, version string) (Metadata, error)
	Deprecate(ctx context.Context, pkg, version, message string) error
}
