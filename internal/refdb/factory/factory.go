// Package factory selects and opens a refdb.Store backend by name, so
// emberd can pick a backend from configuration without every caller
// importing every backend package.
package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/refdb/boltref"
	"github.com/emberlink/ember/internal/refdb/memref"
)

// Options configures how a backend is opened.
type Options struct {
	ReadOnly bool
}

// BackendFactory creates a refdb.Store for a given path.
type BackendFactory func(ctx context.Context, path string, opts Options) (refdb.Store, error)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

var (
	registryMu sync.Mutex
	registry   = map[string]BackendFactory{
		BackendMemory: func(_ context.Context, _ string, _ Options) (refdb.Store, error) {
			return memref.New(), nil
		},
		BackendBolt: func(_ context.Context, path string, _ Options) (refdb.Store, error) {
			if path == "" {
				return nil, fmt.Errorf("factory: bolt backend requires a non-empty path")
			}
			return boltref.Open(path)
		},
	}
)

// RegisterBackend registers (or overrides) a backend factory by name.
func RegisterBackend(name string, f BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Open opens a refdb.Store of the given backend kind.
func Open(ctx context.Context, backend, path string) (refdb.Store, error) {
	return OpenWithOptions(ctx, backend, path, Options{})
}

// OpenWithOptions opens a refdb.Store of the given backend kind with options.
func OpenWithOptions(ctx context.Context, backend, path string, opts Options) (refdb.Store, error) {
	registryMu.Lock()
	f, ok := registry[backend]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("factory: unknown refdb backend %q", backend)
	}
	return f(ctx, path, opts)
}
