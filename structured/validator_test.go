package structured

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personSchema() *JSONSchema {
	return NewObjectSchema().
		AddProperty("name", NewStringSchema().WithMinLength(1)).
		AddProperty("age", NewIntegerSchema().WithMinimum(0).WithMaximum(150)).
		AddProperty("email", NewStringSchema().WithFormat(FormatEmail)).
		AddProperty("role", NewEnumSchema("admin", "user")).
		AddRequired("name", "age")
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"valid", `{"name":"Jason","age":25,"email":"j@example.com","role":"user"}`, []string{}},
		{"missing required", `{"name":"Jason"}`, []string{"age — field required"}},
		{"null required", `{"name":"Jason","age":null}`, []string{"age — field required, got null"}},
		{"wrong type", `{"name":1,"age":"x"}`, []string{"age — expected integer, got string", "name — expected string, got number"}},
		{"not an integer", `{"name":"a","age":2.5}`, []string{"age — expected integer, got 2.5"}},
		{"bounds", `{"name":"","age":200}`, []string{"age — should be less than or equal to 150", "name — should have at least 1 character(s)"}},
		{"format", `{"name":"a","age":1,"email":"nope"}`, []string{`email — string does not match format "email"`}},
		{"enum", `{"name":"a","age":1,"role":"root"}`, []string{"role — value must be one of: [admin user]"}},
		{"root type", `[1,2]`, []string{"(root) — expected object, got array"}},
		{"unparseable", `{"name":`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate([]byte(tt.input), personSchema())
			if tt.want == nil {
				require.Len(t, errs, 1)
				assert.True(t, strings.HasPrefix(errs.Lines()[0], "(root) — unparseable response"))
				return
			}
			assert.Equal(t, tt.want, errs.Lines())
		})
	}
}

func TestValidator_ShapeAndConstraintsAreSeparable(t *testing.T) {
	v := NewValidator()
	tree := map[string]any{"name": "", "age": "old"}

	shape := v.ValidateShape(tree, personSchema())
	assert.Equal(t, []string{"age — expected integer, got string"}, shape.Lines())

	constraints := v.ValidateConstraints(tree, personSchema())
	assert.Equal(t, []string{"name — should have at least 1 character(s)"}, constraints.Lines())
}

func TestValidator_Arrays(t *testing.T) {
	v := NewValidator()
	schema := NewArraySchema(NewIntegerSchema().WithMinimum(0)).WithMinItems(2).WithMaxItems(3).WithUniqueItems(true)

	errs := v.Validate([]byte(`[1,-1,1,4]`), schema)
	assert.Equal(t, []string{
		"(root) — should have at most 3 item(s)",
		"[2] — duplicate item in array with uniqueItems constraint",
		"[1] — should be greater than or equal to 0",
	}, errs.Lines())

	assert.Equal(t, []string{"(root) — should have at least 2 item(s)"}, v.Validate([]byte(`[1]`), schema).Lines())
}

func TestValidator_AdditionalProperties(t *testing.T) {
	v := NewValidator()
	closed := NewObjectSchema().AddProperty("a", NewStringSchema()).WithAdditionalProperties(false)
	assert.Equal(t, []string{"b — extra fields not permitted"}, v.Validate([]byte(`{"a":"x","b":1}`), closed).Lines())

	typed := NewObjectSchema()
	typed.AdditionalProperties = &AdditionalProperties{Allowed: true, Schema: NewIntegerSchema()}
	assert.Equal(t, []string{"k — expected integer, got string"}, v.Validate([]byte(`{"k":"v"}`), typed).Lines())
}

func TestValidator_Formats(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		format StringFormat
		good   string
		bad    string
	}{
		{FormatEmail, "a@b.io", "a@b"},
		{FormatURI, "https://example.com", "example.com"},
		{FormatDateTime, "2024-01-02T03:04:05Z", "2024-01-02 03:04"},
		{FormatDate, "2024-01-02", "02/01/2024"},
		{FormatTime, "03:04:05", "3pm"},
		{FormatUUID, "0b7e2c1a-5f3d-4c2b-9a1e-6d8f7e6a5b4c", "0b7e2c1a"},
		{FormatIPv4, "10.0.0.1", "::1"},
		{FormatIPv6, "::1", "10.0.0.1"},
		{FormatHostname, "api.example.com", "-bad-.com"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			schema := NewStringSchema().WithFormat(tt.format)
			assert.Empty(t, v.ValidateValue(tt.good, schema))
			assert.NotEmpty(t, v.ValidateValue(tt.bad, schema))
		})
	}

	v.RegisterFormat("even-length", func(s string) bool { return len(s)%2 == 0 })
	assert.Empty(t, v.ValidateValue("ab", NewStringSchema().WithFormat("even-length")))
	assert.NotEmpty(t, v.ValidateValue("abc", NewStringSchema().WithFormat("even-length")))
}

func TestValidator_PatternAndAnyOf(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, []string{`(root) — string does not match pattern "^[a-z]+$"`},
		v.ValidateValue("ABC", NewStringSchema().WithPattern("^[a-z]+$")).Lines())
	assert.Contains(t, v.ValidateValue("x", NewStringSchema().WithPattern("(")).Render(), "invalid pattern")

	either := &JSONSchema{AnyOf: []*JSONSchema{NewStringSchema(), NewIntegerSchema()}}
	assert.Empty(t, v.ValidateValue("x", either))
	assert.Equal(t, []string{"(root) — value does not match any allowed schema"}, v.ValidateValue(true, either).Lines())
}

func TestValidator_DeterministicOrder(t *testing.T) {
	v := NewValidator()
	schema := NewObjectSchema()
	for _, k := range []string{"d", "b", "a", "c"} {
		schema.AddProperty(k, NewIntegerSchema())
	}
	input := []byte(`{"c":"x","a":"x","d":"x","b":"x"}`)
	first := v.Validate(input, schema).Lines()
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, v.Validate(input, schema).Lines())
	}
	assert.True(t, strings.HasPrefix(first[0], "a — "))
}
