package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// sidecarSchema constrains what a sidecar may contain. Persisted
// annotations must be committed ("Annotation" with an id); drafts
// ("Selection") live only in memory and never reach disk.
const sidecarSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://annotd.dev/schemas/sidecar.json",
  "type": "object",
  "required": ["version", "annotations"],
  "properties": {
    "version": {
      "type": "integer",
      "const": 1
    },
    "source": {
      "type": "string"
    },
    "annotations": {
      "type": "array",
      "items": { "$ref": "#/$defs/annotation" }
    }
  },
  "$defs": {
    "annotation": {
      "type": "object",
      "required": ["id", "type", "target"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "const": "Annotation"
        },
        "body": {
          "type": "array",
          "items": { "$ref": "#/$defs/body" }
        },
        "target": { "$ref": "#/$defs/target" },
        "readOnly": {
          "type": "boolean"
        }
      }
    },
    "body": {
      "type": "object",
      "required": ["value"],
      "properties": {
        "type": { "type": "string" },
        "purpose": { "type": "string" },
        "value": { "type": "string" }
      }
    },
    "target": {
      "type": "object",
      "required": ["selector"],
      "properties": {
        "source": { "type": "string" },
        "selector": { "$ref": "#/$defs/selector" }
      }
    },
    "selector": {
      "type": "object",
      "required": ["type", "value"],
      "properties": {
        "type": {
          "enum": ["FragmentSelector", "SvgSelector"]
        },
        "conformsTo": { "type": "string" },
        "value": {
          "type": "string",
          "minLength": 1
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchema() error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("sidecar.json", strings.NewReader(sidecarSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("sidecar.json")
	})
	return schemaErr
}

// ValidateDocument checks raw sidecar bytes against the sidecar schema.
func ValidateDocument(data []byte) error {
	if err := compileSchema(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}

	if err := compiledSchema.Validate(doc); err != nil {
		return err
	}
	return nil
}
