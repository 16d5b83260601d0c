package validation

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	RatingEventSchema = "rating-event"
	RatingQuerySchema = "rating-query"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaValidator checks raw JSON payloads before they are decoded: rating
// events read from the stream and ad hoc query bodies.
type SchemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaValidator compiles the embedded schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	sv := &SchemaValidator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, name := range []string{RatingEventSchema, RatingQuerySchema} {
		raw, err := schemaFS.ReadFile(path.Join("schemas", name+".json"))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
		}
		sv.schemas[name] = schema
	}
	return sv, nil
}

func (sv *SchemaValidator) ValidateRatingEvent(payload []byte) *ValidationResult {
	return sv.validate(RatingEventSchema, payload)
}

func (sv *SchemaValidator) ValidateRatingQuery(payload []byte) *ValidationResult {
	return sv.validate(RatingQuerySchema, payload)
}

// ValidateStruct marshals data and validates it against a named schema.
func (sv *SchemaValidator) ValidateStruct(schemaName string, data interface{}) *ValidationResult {
	payload, err := json.Marshal(data)
	if err != nil {
		return invalid("data", "JSON_MARSHAL_ERROR", fmt.Sprintf("Failed to marshal data to JSON: %v", err))
	}
	return sv.validate(schemaName, payload)
}

func (sv *SchemaValidator) SchemaNames() []string {
	names := make([]string, 0, len(sv.schemas))
	for name := range sv.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (sv *SchemaValidator) validate(schemaName string, payload []byte) *ValidationResult {
	schema, exists := sv.schemas[schemaName]
	if !exists {
		return invalid("schema", "SCHEMA_NOT_FOUND", fmt.Sprintf("Schema '%s' not found", schemaName))
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		// Malformed JSON ends up here, not in result.Errors().
		return invalid("body", "MALFORMED_JSON", err.Error())
	}

	vr := &ValidationResult{Valid: result.Valid()}
	for _, e := range result.Errors() {
		vr.Errors = append(vr.Errors, ValidationError{
			Field:   e.Field(),
			Message: e.Description(),
			Code:    "VALIDATION_ERROR",
			Value:   e.Value(),
		})
	}
	return vr
}

func invalid(field, code, message string) *ValidationResult {
	return &ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Field: field, Message: message, Code: code}},
	}
}

// ValidationResult represents the result of a validation operation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// Err folds the result into a single error, nil when valid.
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	msgs := make([]string, len(vr.Errors))
	for i, e := range vr.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("payload rejected: %s", strings.Join(msgs, "; "))
}

// ToAPIError converts validation errors to API error format
func (vr *ValidationResult) ToAPIError() map[string]interface{} {
	if vr.Valid {
		return nil
	}

	fieldErrors := make(map[string][]string)
	for _, err := range vr.Errors {
		if err.Field != "" {
			fieldErrors[err.Field] = append(fieldErrors[err.Field], err.Message)
		}
	}

	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "VALIDATION_ERROR",
			"message": "Request validation failed",
			"details": map[string]interface{}{
				"validationErrors": vr.Errors,
				"fieldErrors":      fieldErrors,
			},
		},
	}
}
