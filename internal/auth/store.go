package auth

import (
	"context"
	"encoding/json"
)

// Store is the slice of the document store the authorization core needs.
// *store.Client satisfies it; tests substitute an in-memory instance.
type Store interface {
	GetJSON(ctx context.Context, path string, v interface{}) error
	Update(ctx context.Context, path string, fn func(current json.RawMessage) (interface{}, error)) error
}
