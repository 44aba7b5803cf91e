package storage

import (
	"fmt"
	"sync"

	"github.com/perfsentinel/perfsentinel/internal/config"
)

// ErrUnknownAdapter is returned when no factory is registered for the
// resolved adapter type.
var ErrUnknownAdapter = fmt.Errorf("%w: no adapter registered", ErrInvalidArgument)

// Factory constructs an unopened adapter from resolved storage options.
type Factory func(opts config.StorageOptions) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[config.AdapterType]Factory{}
)

// Register makes a factory available to NewAdapter. Adapter packages call
// it from init; registering the same type twice panics.
func Register(adapterType config.AdapterType, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[adapterType]; exists {
		panic(fmt.Sprintf("storage: adapter %q registered twice", adapterType))
	}

	registry[adapterType] = factory
}

// NewAdapter resolves the adapter type from the options and constructs the
// matching adapter. The result is not yet initialized.
func NewAdapter(opts config.StorageOptions) (Adapter, error) {
	adapterType := opts.ResolveAdapterType()

	registryMu.RLock()
	factory, ok := registry[adapterType]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, adapterType)
	}

	return factory(opts)
}
