package kv

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		incoming string
		want     string
	}{
		{"objects merge shallowly", `{"a":1,"b":{"x":1}}`, `{"b":{"y":2},"c":3}`, `{"a":1,"b":{"y":2},"c":3}`},
		{"arrays replace", `[{"id":"a"}]`, `[{"id":"b"}]`, `[{"id":"b"}]`},
		{"object over array replaces", `[1,2]`, `{"a":1}`, `{"a":1}`},
		{"garbage existing replaces", `not json`, `{"a":1}`, `{"a":1}`},
		{"null existing replaces", `null`, `{"a":1}`, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeJSON(tt.existing, tt.incoming)
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			if !jsonEqual(t, got, tt.want) {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func jsonEqual(t *testing.T, a, b string) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		t.Fatalf("decode %s: %v", a, err)
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return reflect.DeepEqual(va, vb)
}
