package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSchemaValidate(t *testing.T) {
	proposal := Object(map[string]*Schema{
		"update_type": Enum("", "INSERT", "UPDATE", "DELETE", "NONE"),
		"page":        String(""),
		"section":     String(""),
	}, "update_type", "page")
	schema := Object(map[string]*Schema{
		"proposals":          Array(proposal),
		"proposals_rejected": Boolean(""),
		"confidence":         Number(""),
	}, "proposals")

	tests := []struct {
		name     string
		input    string
		wantPath string
	}{
		{"valid", `{"proposals":[{"update_type":"UPDATE","page":"a.md"}],"confidence":0.5}`, ""},
		{"empty list", `{"proposals":[]}`, ""},
		{"optional null", `{"proposals":[{"update_type":"NONE","page":"a.md","section":null}]}`, ""},
		{"missing required", `{"confidence":1}`, "$"},
		{"wrong root", `[]`, "$"},
		{"enum ignores case", `{"proposals":[{"update_type":"update","page":"a.md"}]}`, ""},
		{"bad enum", `{"proposals":[{"update_type":"REWRITE","page":"a.md"}]}`, "$.proposals[0].update_type"},
		{"wrong nested type", `{"proposals":[{"update_type":"UPDATE","page":7}]}`, "$.proposals[0].page"},
		{"wrong bool", `{"proposals":[],"proposals_rejected":"yes"}`, "$.proposals_rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v any
			if err := json.Unmarshal([]byte(tt.input), &v); err != nil {
				t.Fatal(err)
			}
			err := schema.Validate(v)
			if tt.wantPath == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *SchemaError", err)
			}
			if se.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", se.Path, tt.wantPath)
			}
		})
	}
}

func TestSchemaIntegerRejectsFraction(t *testing.T) {
	s := Object(map[string]*Schema{"n": Integer("")}, "n")
	var v any
	json.Unmarshal([]byte(`{"n":1.5}`), &v)
	if err := s.Validate(v); err == nil {
		t.Error("expected error for fractional integer")
	}
}

func TestStripFence(t *testing.T) {
	tests := map[string]string{
		"{\"a\":1}":                 "{\"a\":1}",
		"```json\n{\"a\":1}\n```":   "{\"a\":1}",
		"  ```\n[1,2]\n```  ":       "[1,2]",
		"":                          "",
	}
	for in, want := range tests {
		if got := stripFence(in); got != want {
			t.Errorf("stripFence(%q) = %q, want %q", in, got, want)
		}
	}
}
