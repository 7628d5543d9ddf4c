package idempotency

import (
	"strings"
	"testing"
)

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{
			name:     "empty map",
			input:    map[string]any{},
			expected: "{}",
		},
		{
			name:     "sorted keys",
			input:    map[string]any{"z": 1, "a": 2, "m": 3},
			expected: `{"a":2,"m":3,"z":1}`,
		},
		{
			name: "nested maps",
			input: map[string]any{
				"outer": map[string]any{"z": "last", "a": "first"},
			},
			expected: `{"outer":{"a":"first","z":"last"}}`,
		},
		{
			name:     "arrays preserved",
			input:    map[string]any{"items": []any{"z", "a", "m"}},
			expected: `{"items":["z","a","m"]}`,
		},
		{
			name:     "string map",
			input:    map[string]string{"city": "Oslo", "units": "metric"},
			expected: `{"city":"Oslo","units":"metric"}`,
		},
		{
			name:     "nil string map",
			input:    map[string]string(nil),
			expected: `{}`,
		},
		{
			name:     "string value",
			input:    "hello",
			expected: `"hello"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON(tt.input)
			if err != nil {
				t.Fatalf("CanonicalJSON() error = %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("CanonicalJSON() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	input := map[string]any{"c": 3, "a": 1, "b": map[string]any{"y": 1, "x": 2}}

	first, err := CanonicalJSON(input)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		got, err := CanonicalJSON(input)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(first) {
			t.Fatalf("iteration %d: %s != %s", i, got, first)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	base := Submission{
		ActionName: "weather",
		Input:      map[string]string{"city": "Oslo"},
		Code:       "export const weather = 1",
		Attempt:    "a-1",
	}

	key, err := GenerateKey(base)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if !strings.HasPrefix(key, "ik:") || len(key) != len("ik:")+64 {
		t.Errorf("unexpected key format %q", key)
	}

	again, _ := GenerateKey(base)
	if key != again {
		t.Errorf("same submission produced different keys")
	}
}

func TestGenerateKeyChangeDetection(t *testing.T) {
	base := Submission{
		ActionName: "weather",
		Input:      map[string]string{"city": "Oslo"},
		Code:       "export const weather = 1",
		Attempt:    "a-1",
	}
	baseKey, _ := GenerateKey(base)

	variants := map[string]Submission{
		"action":  {ActionName: "forecast", Input: base.Input, Code: base.Code, Attempt: base.Attempt},
		"input":   {ActionName: base.ActionName, Input: map[string]string{"city": "Bergen"}, Code: base.Code, Attempt: base.Attempt},
		"code":    {ActionName: base.ActionName, Input: base.Input, Code: "export const weather = 2", Attempt: base.Attempt},
		"attempt": {ActionName: base.ActionName, Input: base.Input, Code: base.Code, Attempt: "a-2"},
	}
	for name, v := range variants {
		key, err := GenerateKey(v)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if key == baseKey {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestGenerateKeyRequiresAttempt(t *testing.T) {
	if _, err := GenerateKey(Submission{ActionName: "a"}); err == nil {
		t.Error("expected error without attempt id")
	}
}
