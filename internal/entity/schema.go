package entity

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.fieldcrew.dev/fieldsync/"

const identitySchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "pattern": "\\S"}
	}
}`

const datedRowSchema = `{
	"type": "object",
	"required": ["id", "employeeId", "date"],
	"properties": {
		"id": {"type": "string", "pattern": "\\S"},
		"employeeId": {"type": "string", "minLength": 1},
		"date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}"},
		"updatedAt": {"type": "string"}
	}
}`

var rowSchemas = map[Type]string{
	TypeEmployee: `{
		"type": "object",
		"required": ["id", "name"],
		"properties": {
			"id": {"type": "string", "pattern": "\\S"},
			"name": {"type": "string"},
			"costCenters": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TypeMileageEntry: `{
		"allOf": [{"$ref": "dated.json"}],
		"required": ["miles"],
		"properties": {"miles": {"type": "number", "minimum": 0}}
	}`,
	TypeTimeEntry: `{
		"allOf": [{"$ref": "dated.json"}],
		"required": ["hours"],
		"properties": {
			"hours": {"type": "number", "minimum": 0, "maximum": 24},
			"category": {"type": "string"},
			"costCenter": {"type": "string"}
		}
	}`,
	TypeReceipt: `{
		"allOf": [{"$ref": "dated.json"}],
		"required": ["amount"],
		"properties": {
			"amount": {"type": ["number", "string"]},
			"vendor": {"type": "string"},
			"category": {"type": "string"}
		}
	}`,
	TypeDayDescription: `{
		"allOf": [{"$ref": "dated.json"}],
		"properties": {
			"description": {"type": "string"},
			"dayOff": {"type": "boolean"},
			"dayOffType": {"type": "string"}
		}
	}`,
	TypeOdometerReading: `{
		"allOf": [{"$ref": "dated.json"}],
		"required": ["reading"],
		"properties": {"reading": {"type": "number", "minimum": 0}}
	}`,
}

type schemaSet struct {
	identity *jsonschema.Schema
	rows     map[Type]*jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     *schemaSet
	schemasErr  error
)

func loadSchemas() (*schemaSet, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		resources := map[string]string{
			"identity.json": identitySchema,
			"dated.json":    datedRowSchema,
		}
		for kind, src := range rowSchemas {
			resources[string(kind)+".json"] = src
		}
		for name, src := range resources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemasErr = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		set := &schemaSet{rows: map[Type]*jsonschema.Schema{}}
		identity, err := c.Compile(schemaBaseURL + "identity.json")
		if err != nil {
			schemasErr = err
			return
		}
		set.identity = identity
		for kind := range rowSchemas {
			compiled, err := c.Compile(schemaBaseURL + string(kind) + ".json")
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", kind, err)
				return
			}
			set.rows[kind] = compiled
		}
		schemas = set
	})
	return schemas, schemasErr
}

// ValidateIdentity checks that payload is an object with a non-blank string id.
func ValidateIdentity(payload []byte) error {
	set, err := loadSchemas()
	if err != nil {
		return err
	}
	return validateWith(set.identity, payload, ErrMissingID)
}

// ValidateRow checks payload against the full row schema of kind.
func ValidateRow(kind Type, payload []byte) error {
	set, err := loadSchemas()
	if err != nil {
		return err
	}
	sch, ok := set.rows[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	return validateWith(sch, payload, ErrInvalidInput)
}

func validateWith(sch *jsonschema.Schema, payload []byte, kind error) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", kind, strings.TrimSpace(verr.Error()))
		}
		return fmt.Errorf("%w: %v", kind, err)
	}
	return nil
}
