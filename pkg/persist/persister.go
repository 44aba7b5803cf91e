package persist

// Persister binds a codec to one state type, giving storage adapters typed
// save/load over concrete file paths.
type Persister[T any] struct {
	codec Codec
}

// NewPersister creates a persister for T using the given codec.
func NewPersister[T any](codec Codec) *Persister[T] {
	return &Persister[T]{codec: codec}
}

// Save atomically writes state to path.
func (p *Persister[T]) Save(path string, state *T) error {
	return SaveState(path, p.codec, state)
}

// Load reads the file at path into a fresh T.
func (p *Persister[T]) Load(path string) (*T, error) {
	state := new(T)

	loadErr := LoadState(path, p.codec, state)
	if loadErr != nil {
		return nil, loadErr
	}

	return state, nil
}

// Extension returns the codec's file extension, for building filenames.
func (p *Persister[T]) Extension() string {
	return p.codec.Extension()
}
