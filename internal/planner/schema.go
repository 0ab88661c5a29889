package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

//go:embed plan_schema.json
var planSchemaJSON string

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// PlanSchema returns the compiled JSON Schema for PlanSpec documents.
func PlanSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// ValidateDocument validates JSON bytes against the plan schema.
func ValidateDocument(data []byte) error {
	schema, err := PlanSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan does not match schema: %w", err)
	}
	return nil
}

// DecodePlan validates a PlanSpec document against the schema and its graph structure.
func DecodePlan(data []byte) (core.PlanSpec, error) {
	if err := ValidateDocument(data); err != nil {
		return core.PlanSpec{}, err
	}
	var plan core.PlanSpec
	if err := json.Unmarshal(data, &plan); err != nil {
		return core.PlanSpec{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := Validate(plan); err != nil {
		return core.PlanSpec{}, err
	}
	return plan, nil
}
