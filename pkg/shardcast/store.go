package shardcast

import "context"

// Store is the key-value persistence collaborator.
//
// Keys are slash-separated paths such as "subscriptions/123"; values are opaque bytes.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
