package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://notebookrelay.local/schemas/"

const userIDProperty = `"userId": {"type": "string", "minLength": 1, "maxLength": 320}`

var requestSchemas = map[string]string{
	"resolve": `{
		"type": "object",
		"required": ["userId"],
		"properties": {
			` + userIDProperty + `,
			"notebookName": {"type": "string", "maxLength": 200}
		}
	}`,
	"source": `{
		"type": "object",
		"required": ["userId", "kind", "content"],
		"properties": {
			` + userIDProperty + `,
			"kind": {"enum": ["url", "text", "youtube"]},
			"title": {"type": "string", "maxLength": 500},
			"content": {"type": "string", "minLength": 1}
		}
	}`,
	"chess_game": `{
		"type": "object",
		"required": ["userId", "pgn"],
		"properties": {
			` + userIDProperty + `,
			"pgn": {"type": "string", "minLength": 1},
			"title": {"type": "string", "maxLength": 500},
			"analysis": {"type": "string"}
		}
	}`,
	"note": `{
		"type": "object",
		"required": ["userId", "content"],
		"properties": {
			` + userIDProperty + `,
			"content": {"type": "string", "minLength": 1},
			"title": {"type": "string", "maxLength": 500},
			"notebookName": {"type": "string", "maxLength": 200}
		}
	}`,
	"ask": `{
		"type": "object",
		"required": ["userId", "question"],
		"properties": {
			` + userIDProperty + `,
			"question": {"type": "string", "minLength": 1},
			"conversationId": {"type": "string"},
			"sourceIds": {"type": "array", "items": {"type": "string"}},
			"language": {"type": "string", "maxLength": 16}
		}
	}`,
	"generate": `{
		"type": "object",
		"required": ["userId", "kind"],
		"properties": {
			` + userIDProperty + `,
			"kind": {"enum": ["podcast", "quiz"]},
			"topic": {"type": "string"},
			"language": {"type": "string", "maxLength": 16}
		}
	}`,
	"glossary": `{
		"type": "object",
		"properties": {
			"language": {"type": "string", "maxLength": 16}
		}
	}`,
}

// requestValidator holds the compiled request body schemas.
type requestValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := compiler.AddResource(schemaBase+name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}
	out := &requestValidator{schemas: make(map[string]*jsonschema.Schema, len(requestSchemas))}
	for name := range requestSchemas {
		schema, err := compiler.Compile(schemaBase + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		out.schemas[name] = schema
	}
	return out, nil
}

// validate parses body and checks it against the named schema. The returned
// error message is safe to show to clients.
func (v *requestValidator) validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("request does not match schema: %s", strings.Join(strings.Fields(err.Error()), " "))
	}
	return nil
}
