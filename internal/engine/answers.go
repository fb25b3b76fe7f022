package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"psma/internal/domain"
)

// ValidateAnswer checks a collected answer against a question's
// answer_schema. A question without a schema accepts any value. The returned
// slice lists validation problems; a non-nil error means the schema itself
// would not compile.
func ValidateAnswer(q domain.PlanQuestion, value any) ([]string, error) {
	if len(q.AnswerSchema) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(q.AnswerSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal answer schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	resource := "inline://answer-schema/" + q.ID
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile answer schema: %w", err)
	}

	// Round-trip the value so Go ints become JSON numbers the validator
	// understands.
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}
	var payload any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}

	if err := schema.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return flattenValidationError(ve), nil
		}
		return []string{err.Error()}, nil
	}
	return nil, nil
}

func flattenValidationError(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenValidationError(cause)...)
	}
	return out
}
