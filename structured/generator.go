package structured

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	timeType       = reflect.TypeOf(time.Time{})
	rawMessageType = reflect.TypeOf(json.RawMessage(nil))
)

// SchemaGenerator 利用反射从 Go 类型生成 JSON Schema。
type SchemaGenerator struct {
	// 记录正在处理的类型，用于处理递归类型
	visited map[reflect.Type]bool
}

// NewSchemaGenerator 创建一个新的 SchemaGenerator。
func NewSchemaGenerator() *SchemaGenerator {
	return &SchemaGenerator{visited: make(map[reflect.Type]bool)}
}

// GenerateSchema 从 Go 类型生成 JSON Schema。
// 字段名取自 json 标签，约束取自 jsonschema 标签：
//
//	required, enum=a,b,c, minimum=0, maximum=100, minLength=1, maxLength=100,
//	pattern=^[a-z]+$, format=email, minItems=1, maxItems=10, uniqueItems,
//	description=..., default=...
//
// 匿名嵌入的结构体字段会被展开到外层对象中。
func (g *SchemaGenerator) GenerateSchema(t reflect.Type) (*JSONSchema, error) {
	g.visited = make(map[reflect.Type]bool)
	return g.generateSchema(t)
}

func (g *SchemaGenerator) generateSchema(t reflect.Type) (*JSONSchema, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot generate schema for nil type")
	}
	if t.Kind() == reflect.Ptr {
		return g.generateSchema(t.Elem())
	}

	switch t {
	case timeType:
		return NewStringSchema().WithFormat(FormatDateTime), nil
	case rawMessageType:
		return &JSONSchema{}, nil
	}

	// 递归类型退化为无约束对象
	if g.visited[t] {
		return &JSONSchema{Type: TypeObject}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return NewStringSchema(), nil
	case reflect.Bool:
		return NewBooleanSchema(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NewIntegerSchema(), nil
	case reflect.Float32, reflect.Float64:
		return NewNumberSchema(), nil
	case reflect.Slice, reflect.Array:
		elem, err := g.generateSchema(t.Elem())
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for array element: %w", err)
		}
		return NewArraySchema(elem), nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type: %s", t.Key())
		}
		valueSchema, err := g.generateSchema(t.Elem())
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for map value: %w", err)
		}
		schema := NewObjectSchema()
		schema.AdditionalProperties = &AdditionalProperties{Allowed: true, Schema: valueSchema}
		return schema, nil
	case reflect.Struct:
		schema := NewObjectSchema()
		g.visited[t] = true
		defer delete(g.visited, t)
		if err := g.addStructFields(schema, t); err != nil {
			return nil, err
		}
		return schema, nil
	case reflect.Interface:
		return &JSONSchema{}, nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", t.Kind())
	}
}

func (g *SchemaGenerator) addStructFields(schema *JSONSchema, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Anonymous && field.Tag.Get("json") == "" {
			ft := field.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if err := g.addStructFields(schema, ft); err != nil {
					return err
				}
				continue
			}
		}
		if !field.IsExported() {
			continue
		}

		name := jsonFieldName(field)
		if name == "-" {
			continue
		}

		fieldSchema, err := g.generateSchema(field.Type)
		if err != nil {
			return fmt.Errorf("failed to generate schema for field %s: %w", field.Name, err)
		}

		options := parseTagOptions(field.Tag.Get("jsonschema"))
		applyTagOptions(fieldSchema, options, field.Type)
		if _, ok := options["required"]; ok {
			schema.Required = append(schema.Required, name)
		}
		schema.Properties[name] = fieldSchema
	}
	return nil
}

// jsonFieldName 从 json 标签中提取字段名，缺省时使用结构体字段名。
func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name
	}
	return name
}

func applyTagOptions(schema *JSONSchema, options map[string]string, t reflect.Type) {
	if desc, ok := options["description"]; ok {
		schema.Description = desc
	}
	if def, ok := options["default"]; ok {
		schema.Default = parseDefaultValue(def, t)
	}
	if enumStr, ok := options["enum"]; ok {
		values := strings.Split(enumStr, ",")
		schema.Enum = make([]any, len(values))
		for i, v := range values {
			schema.Enum[i] = strings.TrimSpace(v)
		}
	}

	intOpt := func(key string, dst **int) {
		if s, ok := options[key]; ok {
			if v, err := strconv.Atoi(s); err == nil {
				*dst = &v
			}
		}
	}
	floatOpt := func(key string, dst **float64) {
		if s, ok := options[key]; ok {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				*dst = &v
			}
		}
	}

	intOpt("minLength", &schema.MinLength)
	intOpt("maxLength", &schema.MaxLength)
	intOpt("minItems", &schema.MinItems)
	intOpt("maxItems", &schema.MaxItems)
	floatOpt("minimum", &schema.Minimum)
	floatOpt("maximum", &schema.Maximum)
	floatOpt("exclusiveMinimum", &schema.ExclusiveMinimum)
	floatOpt("exclusiveMaximum", &schema.ExclusiveMaximum)
	floatOpt("multipleOf", &schema.MultipleOf)

	if pattern, ok := options["pattern"]; ok {
		schema.Pattern = pattern
	}
	if format, ok := options["format"]; ok {
		schema.Format = StringFormat(format)
	}
	if _, ok := options["uniqueItems"]; ok {
		unique := true
		schema.UniqueItems = &unique
	}
}

// parseTagOptions 将 "a,b=1,enum=x,y,z" 形式的标签解析为选项表。
func parseTagOptions(tag string) map[string]string {
	options := make(map[string]string)
	for _, part := range splitTagParts(tag) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, ok := strings.Cut(part, "="); ok && key != "" {
			options[key] = value
		} else {
			options[part] = ""
		}
	}
	return options
}

var boolTagOptions = map[string]bool{"required": true, "uniqueItems": true}

// splitTagParts 按逗号切分标签，但 enum 等取值中的逗号保留在值内：
// 只有当下一段是已知布尔选项或 key=value 形式时，逗号才作为分隔符。
func splitTagParts(tag string) []string {
	var parts []string
	var current strings.Builder
	inValue := false

	for i := 0; i < len(tag); i++ {
		ch := tag[i]
		switch {
		case ch == '=':
			inValue = true
			current.WriteByte(ch)
		case ch == ',' && !inValue:
			parts = append(parts, current.String())
			current.Reset()
		case ch == ',':
			next := tag[i+1:]
			if j := strings.IndexByte(next, ','); j >= 0 {
				next = next[:j]
			}
			next = strings.TrimSpace(next)
			if boolTagOptions[next] || looksLikeKeyValue(next) {
				parts = append(parts, current.String())
				current.Reset()
				inValue = false
				continue
			}
			current.WriteByte(ch)
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func looksLikeKeyValue(segment string) bool {
	key, _, ok := strings.Cut(segment, "=")
	if !ok || key == "" {
		return false
	}
	for _, c := range key {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

func parseDefaultValue(value string, t reflect.Type) any {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return value == "true"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	case reflect.Float32, reflect.Float64:
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return value
}
