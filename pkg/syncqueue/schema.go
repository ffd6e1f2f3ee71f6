package syncqueue

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// objectSchema is the baseline every payload must satisfy: mutations travel
// as JSON objects so the remote API can merge fields idempotently.
const objectSchema = `{"type": "object"}`

// Validator checks mutation payloads before they enter the queue. Every
// payload must be a JSON object; resource types with a registered schema are
// additionally validated against it.
type Validator struct {
	baseline *gojsonschema.Schema
	catalog  map[string]*gojsonschema.Schema
}

// NewValidator creates a validator with only the baseline object rule
func NewValidator() *Validator {
	baseline, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(objectSchema))
	if err != nil {
		// The baseline schema is a compile-time constant
		panic(fmt.Sprintf("invalid baseline schema: %v", err))
	}
	return &Validator{
		baseline: baseline,
		catalog:  make(map[string]*gojsonschema.Schema),
	}
}

// RegisterSchema registers a JSON schema for a resource type, replacing any
// previous one
func (v *Validator) RegisterSchema(resourceType string, schema []byte) error {
	loader := gojsonschema.NewBytesLoader(schema)
	s, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("failed to load schema for %s: %w", resourceType, err)
	}
	v.catalog[resourceType] = s
	return nil
}

// ValidatePayload validates a mutation payload for a resource type
func (v *Validator) ValidatePayload(resourceType string, payload []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(payload)

	result, err := v.baseline.Validate(documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate payload: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("payload validation failed: %s", joinSchemaErrors(result))
	}

	schema, ok := v.catalog[resourceType]
	if !ok {
		// No schema registered for this resource type
		return nil
	}

	result, err = schema.Validate(documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate payload: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("payload validation failed for %s: %s", resourceType, joinSchemaErrors(result))
	}
	return nil
}

func joinSchemaErrors(result *gojsonschema.Result) string {
	var errMsgs []string
	for _, err := range result.Errors() {
		errMsgs = append(errMsgs, err.String())
	}
	return strings.Join(errMsgs, "; ")
}
