// Package kv defines the key-value storage contract the cart persists to.
package kv

import (
	"context"
	"encoding/json"
	"errors"
)

// Store is a string key-value store.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set overwrites the value for key.
	Set(ctx context.Context, key, value string) error
	// Merge combines value into the stored value using MergeJSON.
	Merge(ctx context.Context, key, value string) error
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrEmptyKey is returned for operations on the empty key.
var ErrEmptyKey = errors.New("kv: empty key")

// MergeJSON shallow-merges incoming into existing. When both are JSON
// objects, top-level keys of incoming replace those of existing. In every
// other case incoming replaces existing as a whole.
func MergeJSON(existing, incoming string) (string, error) {
	var base, patch map[string]json.RawMessage
	if json.Unmarshal([]byte(existing), &base) != nil || base == nil {
		return incoming, nil
	}
	if json.Unmarshal([]byte(incoming), &patch) != nil || patch == nil {
		return incoming, nil
	}

	for k, v := range patch {
		base[k] = v
	}

	out, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
