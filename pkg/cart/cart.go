// Package cart holds the storefront cart: its line items, the operations
// that change them, and the store that keeps a persisted copy in sync.
package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Item is a cart line: a product reference plus a quantity.
type Item struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// NewItem is a product being added to the cart; it has no quantity yet.
type NewItem struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
}

// State is an ordered cart snapshot. Order is display order and ids are
// unique. A State handed out by Store is never modified afterwards.
type State []Item

var (
	// ErrContextUnavailable means the store was requested outside its provider.
	ErrContextUnavailable = errors.New("cart: store used outside its provider")
	// ErrNotReady means a mutation arrived before hydration finished or was skipped.
	ErrNotReady = errors.New("cart: store not hydrated")
	// ErrAlreadyHydrated means Hydrate was called on a ready store.
	ErrAlreadyHydrated = errors.New("cart: store already hydrated")
	// ErrClosed means the store has been closed.
	ErrClosed = errors.New("cart: store closed")
	// ErrInvalidItem means the item failed validation.
	ErrInvalidItem = errors.New("cart: invalid item")
)

var itemNamespace = uuid.MustParse("6f1c4f0e-8d3b-4a51-9a6e-2c7d0b9e4a13")

// DeriveID returns a stable id for a product known only by its title.
func DeriveID(title string) string {
	return uuid.NewSHA1(itemNamespace, []byte(strings.TrimSpace(title))).String()
}

// Validate reports whether the item can be added to a cart.
func (it NewItem) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if math.IsNaN(it.Price) || math.IsInf(it.Price, 0) || it.Price < 0 {
		return fmt.Errorf("%w: bad price %v", ErrInvalidItem, it.Price)
	}
	return nil
}

// Len returns the number of distinct items.
func (s State) Len() int { return len(s) }

// Find returns the item with the given id.
func (s State) Find(id string) (Item, bool) {
	if i := s.index(id); i >= 0 {
		return s[i], true
	}
	return Item{}, false
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return slices.Clone(s)
}

func (s State) index(id string) int {
	return slices.IndexFunc(s, func(it Item) bool { return it.ID == id })
}

// add appends it with quantity 1, or increments the existing entry.
func (s State) add(it NewItem) (State, bool) {
	if s.index(it.ID) >= 0 {
		return s.increment(it.ID)
	}
	next := make(State, len(s), len(s)+1)
	copy(next, s)
	return append(next, Item{
		ID:       it.ID,
		Title:    it.Title,
		ImageURL: it.ImageURL,
		Price:    it.Price,
		Quantity: 1,
	}), true
}

func (s State) increment(id string) (State, bool) {
	i := s.index(id)
	if i < 0 {
		return s, false
	}
	next := slices.Clone(s)
	next[i].Quantity++
	return next, true
}

// decrement never goes below 1 and never removes the item.
func (s State) decrement(id string) (State, bool) {
	i := s.index(id)
	if i < 0 || s[i].Quantity <= 1 {
		return s, false
	}
	next := slices.Clone(s)
	next[i].Quantity--
	return next, true
}

// Encode serializes the state as a JSON array.
func (s State) Encode() (string, error) {
	if s == nil {
		s = State{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a persisted cart. The whole payload is rejected when any
// entry breaks the cart invariants.
func Decode(data string) (State, error) {
	var s State
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decoding cart: %w", err)
	}

	seen := make(map[string]struct{}, len(s))
	for i, it := range s {
		if err := (NewItem{ID: it.ID, Price: it.Price}).Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if it.Quantity < 1 {
			return nil, fmt.Errorf("item %d: %w: quantity %d", i, ErrInvalidItem, it.Quantity)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("item %d: %w: duplicate id %q", i, ErrInvalidItem, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return s.Clone(), nil
}
