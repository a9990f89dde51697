// Package storage holds the key/value stores sync state is persisted to.
package storage

// Storage is a flat key/value store. Get returns nil, nil for a missing key.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// List returns every key starting with prefix.
	List(prefix string) (map[string][]byte, error)
}

// Batcher is implemented by stores that can apply several writes atomically.
type Batcher interface {
	Apply(sets map[string][]byte, deletes []string) error
}

// Apply writes sets and deletes through the store, atomically when the store
// supports it.
func Apply(s Storage, sets map[string][]byte, deletes []string) error {
	if b, ok := s.(Batcher); ok {
		return b.Apply(sets, deletes)
	}
	for key, value := range sets {
		if err := s.Set(key, value); err != nil {
			return err
		}
	}
	for _, key := range deletes {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
