package cart

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func shoe() NewItem {
	return NewItem{ID: "a", Title: "Shoe", ImageURL: "https://img/shoe.png", Price: 10}
}

func TestAddToEmptyState(t *testing.T) {
	next, changed := State{}.add(shoe())
	if !changed {
		t.Fatal("expected change")
	}
	want := State{{ID: "a", Title: "Shoe", ImageURL: "https://img/shoe.png", Price: 10, Quantity: 1}}
	if !reflect.DeepEqual(next, want) {
		t.Fatalf("got %+v, want %+v", next, want)
	}
}

func TestAddExistingIncrements(t *testing.T) {
	st, _ := State{}.add(shoe())
	st, _ = st.add(NewItem{ID: "b", Title: "Hat", Price: 5})
	next, changed := st.add(shoe())
	if !changed {
		t.Fatal("expected change")
	}
	if next.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", next.Len())
	}
	if next[0].Quantity != 2 || next[1].Quantity != 1 {
		t.Fatalf("unexpected quantities %+v", next)
	}
}

func TestAddDedupsByIDNotTitle(t *testing.T) {
	st, _ := State{}.add(NewItem{ID: "a", Title: "Shoe"})
	st, _ = st.add(NewItem{ID: "b", Title: "Shoe"})
	if st.Len() != 2 {
		t.Fatalf("same title, different ids must stay separate: %+v", st)
	}
}

func TestIncrementAbsentIsNoop(t *testing.T) {
	st := State{{ID: "a", Quantity: 1}, {ID: "b", Quantity: 3}}
	next, changed := st.increment("zzz")
	if changed {
		t.Fatal("expected no change")
	}
	if !reflect.DeepEqual(next, st) {
		t.Fatalf("state changed: %+v", next)
	}
}

func TestDecrementFloor(t *testing.T) {
	st := State{{ID: "a", Quantity: 1}}
	next, changed := st.decrement("a")
	if changed {
		t.Fatal("decrement at 1 must be a no-op")
	}
	if next.Len() != 1 || next[0].Quantity != 1 {
		t.Fatalf("item must stay at quantity 1: %+v", next)
	}

	if _, changed := st.decrement("missing"); changed {
		t.Fatal("decrement of absent id must be a no-op")
	}
}

func TestDecrementIncrementInverse(t *testing.T) {
	st := State{{ID: "a", Quantity: 4}, {ID: "b", Quantity: 2}}
	down, _ := st.decrement("a")
	up, _ := down.increment("a")
	if !reflect.DeepEqual(up, st) {
		t.Fatalf("got %+v, want %+v", up, st)
	}
}

func TestMutationsPreserveOrderAndInput(t *testing.T) {
	st := State{{ID: "a", Quantity: 2}, {ID: "b", Quantity: 2}, {ID: "c", Quantity: 2}}
	orig := st.Clone()

	next, _ := st.increment("b")
	next, _ = next.decrement("c")
	next, _ = next.add(NewItem{ID: "d"})

	ids := []string{}
	for _, it := range next {
		ids = append(ids, it.ID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c", "d"}) {
		t.Fatalf("order changed: %v", ids)
	}
	if !reflect.DeepEqual(st, orig) {
		t.Fatalf("input state was modified: %+v", st)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		item NewItem
		ok   bool
	}{
		{"valid", shoe(), true},
		{"free item", NewItem{ID: "x", Price: 0}, true},
		{"missing id", NewItem{Title: "Shoe"}, false},
		{"blank id", NewItem{ID: "  "}, false},
		{"negative price", NewItem{ID: "x", Price: -1}, false},
		{"nan price", NewItem{ID: "x", Price: math.NaN()}, false},
		{"inf price", NewItem{ID: "x", Price: math.Inf(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidItem) {
				t.Fatalf("expected ErrInvalidItem, got %v", err)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	empty, err := State(nil).Encode()
	if err != nil || empty != "[]" {
		t.Fatalf("empty state should encode as [], got %q (%v)", empty, err)
	}

	st := State{{ID: "a", Title: "Shoe", ImageURL: "u", Price: 10, Quantity: 2}}
	data, err := st.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `[{"id":"a","title":"Shoe","image_url":"u","price":10,"quantity":2}]`
	if data != want {
		t.Fatalf("got %s, want %s", data, want)
	}

	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(back, st) {
		t.Fatalf("got %+v", back)
	}
}

func TestDecodeRejectsBrokenInvariants(t *testing.T) {
	tests := map[string]string{
		"not json":      `{{`,
		"object":        `{"id":"a"}`,
		"zero quantity": `[{"id":"a","quantity":0}]`,
		"missing id":    `[{"title":"Shoe","quantity":1}]`,
		"duplicate id":  `[{"id":"a","quantity":1},{"id":"a","quantity":2}]`,
		"negative":      `[{"id":"a","price":-3,"quantity":1}]`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(data); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeNull(t *testing.T) {
	st, err := Decode("null")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st == nil || st.Len() != 0 {
		t.Fatalf("expected empty non-nil state, got %#v", st)
	}
}

func TestDeriveID(t *testing.T) {
	if DeriveID("Shoe") != DeriveID(" Shoe ") {
		t.Fatal("derived id should ignore surrounding space")
	}
	if DeriveID("Shoe") == DeriveID("Hat") {
		t.Fatal("different titles must not collide")
	}
}
