// Package document parses policy documents: a YAML mapping with a policy
// metadata block, a defaults block and an ordered rule list.
//
//	policy:
//	  name: edge
//	  author: ops
//	  message: open https
//	defaults:
//	  table: filter
//	rules:
//	  - chain: INPUT
//	    protocol: tcp
//	    dport: 443
//	    target: ACCEPT
package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"grimm.is/ruleledger/internal/rules"
)

// ParseError reports a document whose top-level structure is malformed.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse policy document: %s: %v", e.Reason, e.Err)
	}
	return "parse policy document: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Metadata is the policy block of a document.
type Metadata struct {
	Name        string
	Description string
	Author      string
	Message     string
}

// Document is a parsed, structurally valid policy document. Rules are still
// untrusted; they go through rules.NormalizeAll before persistence.
type Document struct {
	Policy   Metadata
	Defaults rules.Defaults
	Rules    []rules.Raw

	// Source is the verbatim submitted text.
	Source string
}

const schemaText = `{
  "type": "object",
  "properties": {
    "policy": {
      "type": ["object", "null"],
      "properties": {
        "name":        {"type": ["string", "number", "null"]},
        "description": {"type": ["string", "number", "null"]},
        "author":      {"type": ["string", "number", "null"]},
        "message":     {"type": ["string", "number", "null"]}
      }
    },
    "defaults": {
      "type": ["object", "null"],
      "properties": {
        "table": {"type": ["string", "null"]}
      }
    },
    "rules": {
      "type": ["array", "null"],
      "items": {"type": "object"}
    }
  }
}`

var documentSchema = jsonschema.MustCompileString("ruleledger://policy-document.json", schemaText)

// Parse decodes and structurally validates text. Structural problems yield
// a *ParseError; a missing policy name yields a *rules.ValidationError.
func Parse(text string) (*Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Reason: "document is empty"}
	}

	var raw any
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, &ParseError{Reason: "invalid YAML", Err: err}
	}
	top, ok := stringKeys(raw).(map[string]any)
	if !ok {
		return nil, &ParseError{Reason: fmt.Sprintf("top level must be a mapping, got %s", kind(raw))}
	}

	if err := validateStructure(top); err != nil {
		return nil, err
	}

	doc := &Document{Source: text}

	meta, _ := top["policy"].(map[string]any)
	doc.Policy = Metadata{
		Name:        field(meta, "name"),
		Description: field(meta, "description"),
		Author:      field(meta, "author"),
		Message:     field(meta, "message"),
	}
	if doc.Policy.Name == "" {
		return nil, &rules.ValidationError{Index: -1, Field: "policy.name", Reason: "required"}
	}

	defaults, _ := top["defaults"].(map[string]any)
	doc.Defaults = rules.Defaults{Table: field(defaults, "table")}

	items, _ := top["rules"].([]any)
	doc.Rules = make([]rules.Raw, 0, len(items))
	for _, item := range items {
		doc.Rules = append(doc.Rules, rules.Raw(item.(map[string]any)))
	}
	return doc, nil
}

// Checksum returns the SHA-256 of the raw submitted text.
func Checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func validateStructure(top map[string]any) error {
	// The validator expects values shaped like encoding/json output.
	b, err := json.Marshal(top)
	if err != nil {
		return &ParseError{Reason: "document is not representable as JSON", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &ParseError{Reason: "document is not representable as JSON", Err: err}
	}
	if err := documentSchema.Validate(v); err != nil {
		return &ParseError{Reason: "unexpected document structure", Err: err}
	}
	return nil
}

// stringKeys rewrites map[any]any produced for non-string YAML keys into
// map[string]any, recursively.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}

func field(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "a list"
	case string:
		return "a string"
	}
	return fmt.Sprintf("%T", v)
}
