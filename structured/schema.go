package structured

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// SchemaType JSON Schema 的基本类型。
type SchemaType string

const (
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
	TypeNull    SchemaType = "null"
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
)

// StringFormat 校验器认识的字符串格式，可通过 RegisterFormat 扩展。
type StringFormat string

const (
	FormatDateTime StringFormat = "date-time"
	FormatDate     StringFormat = "date"
	FormatTime     StringFormat = "time"
	FormatEmail    StringFormat = "email"
	FormatURI      StringFormat = "uri"
	FormatUUID     StringFormat = "uuid"
	FormatHostname StringFormat = "hostname"
	FormatIPv4     StringFormat = "ipv4"
	FormatIPv6     StringFormat = "ipv6"
)

// JSONSchema 是发给模型的 schema 描述，同时也是校验器的输入。
// 这里只建模校验器真正执行的关键字，模型看到的约束与校验结果一一对应。
type JSONSchema struct {
	Schema      string `json:"$schema,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Type SchemaType `json:"type,omitempty"`

	// Object
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	AdditionalProperties *AdditionalProperties  `json:"additionalProperties,omitempty"`
	MinProperties        *int                   `json:"minProperties,omitempty"`
	MaxProperties        *int                   `json:"maxProperties,omitempty"`

	// Array
	Items       *JSONSchema `json:"items,omitempty"`
	MinItems    *int        `json:"minItems,omitempty"`
	MaxItems    *int        `json:"maxItems,omitempty"`
	UniqueItems *bool       `json:"uniqueItems,omitempty"`

	Enum  []any `json:"enum,omitempty"`
	Const any   `json:"const,omitempty"`

	// String
	MinLength *int         `json:"minLength,omitempty"`
	MaxLength *int         `json:"maxLength,omitempty"`
	Pattern   string       `json:"pattern,omitempty"`
	Format    StringFormat `json:"format,omitempty"`

	// Numeric
	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`
	MultipleOf       *float64 `json:"multipleOf,omitempty"`

	Default  any   `json:"default,omitempty"`
	Examples []any `json:"examples,omitempty"`

	AnyOf []*JSONSchema `json:"anyOf,omitempty"`
}

// AdditionalProperties 对应 additionalProperties，取值为布尔或子 schema。
type AdditionalProperties struct {
	Allowed bool
	Schema  *JSONSchema
}

func (ap *AdditionalProperties) MarshalJSON() ([]byte, error) {
	switch {
	case ap == nil:
		return []byte("null"), nil
	case ap.Schema != nil:
		return json.Marshal(ap.Schema)
	default:
		return json.Marshal(ap.Allowed)
	}
}

func (ap *AdditionalProperties) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &ap.Allowed); err == nil {
		ap.Schema = nil
		return nil
	}
	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("additionalProperties must be a boolean or a schema: %w", err)
	}
	ap.Allowed, ap.Schema = true, &schema
	return nil
}

func typed(t SchemaType) *JSONSchema { return &JSONSchema{Type: t} }

func NewObjectSchema() *JSONSchema {
	return &JSONSchema{Type: TypeObject, Properties: make(map[string]*JSONSchema)}
}

func NewArraySchema(items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: TypeArray, Items: items}
}

func NewStringSchema() *JSONSchema  { return typed(TypeString) }
func NewNumberSchema() *JSONSchema  { return typed(TypeNumber) }
func NewIntegerSchema() *JSONSchema { return typed(TypeInteger) }
func NewBooleanSchema() *JSONSchema { return typed(TypeBoolean) }

// NewEnumSchema 创建字符串枚举。
func NewEnumSchema(values ...any) *JSONSchema {
	return &JSONSchema{Type: TypeString, Enum: values}
}

// 链式设置方法，全部原地修改并返回 s。

func (s *JSONSchema) WithDescription(desc string) *JSONSchema { s.Description = desc; return s }
func (s *JSONSchema) WithPattern(pattern string) *JSONSchema  { s.Pattern = pattern; return s }
func (s *JSONSchema) WithFormat(f StringFormat) *JSONSchema   { s.Format = f; return s }
func (s *JSONSchema) WithMinLength(n int) *JSONSchema         { s.MinLength = &n; return s }
func (s *JSONSchema) WithMinimum(v float64) *JSONSchema       { s.Minimum = &v; return s }
func (s *JSONSchema) WithMaximum(v float64) *JSONSchema       { s.Maximum = &v; return s }
func (s *JSONSchema) WithMinItems(n int) *JSONSchema          { s.MinItems = &n; return s }
func (s *JSONSchema) WithMaxItems(n int) *JSONSchema          { s.MaxItems = &n; return s }
func (s *JSONSchema) WithUniqueItems(b bool) *JSONSchema      { s.UniqueItems = &b; return s }

func (s *JSONSchema) WithAdditionalProperties(allowed bool) *JSONSchema {
	s.AdditionalProperties = &AdditionalProperties{Allowed: allowed}
	return s
}

// AddProperty 添加属性；对象 schema 的 Properties 为空时会先初始化。
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired 追加必填字段，已存在的名字不会重复加入。
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	for _, n := range names {
		if !s.IsRequired(n) {
			s.Required = append(s.Required, n)
		}
	}
	return s
}

func (s *JSONSchema) IsRequired(name string) bool { return slices.Contains(s.Required, name) }

// PropertyNames 按字典序返回属性名，校验与错误输出都依赖这个顺序。
func (s *JSONSchema) PropertyNames() []string {
	names := slices.Collect(maps.Keys(s.Properties))
	sort.Strings(names)
	return names
}

// Clone 深拷贝。Describe 每次返回副本，调用方修改结果不会影响校验。
func (s *JSONSchema) Clone() *JSONSchema {
	if s == nil {
		return nil
	}
	c := *s
	if s.Properties != nil {
		c.Properties = make(map[string]*JSONSchema, len(s.Properties))
		for name, prop := range s.Properties {
			c.Properties[name] = prop.Clone()
		}
	}
	if s.AdditionalProperties != nil {
		c.AdditionalProperties = &AdditionalProperties{
			Allowed: s.AdditionalProperties.Allowed,
			Schema:  s.AdditionalProperties.Schema.Clone(),
		}
	}
	c.Items = s.Items.Clone()
	c.AnyOf = make([]*JSONSchema, 0, len(s.AnyOf))
	for _, alt := range s.AnyOf {
		c.AnyOf = append(c.AnyOf, alt.Clone())
	}
	if len(c.AnyOf) == 0 {
		c.AnyOf = nil
	}
	c.Required = slices.Clone(s.Required)
	c.Enum = slices.Clone(s.Enum)
	c.Examples = slices.Clone(s.Examples)

	c.MinProperties, c.MaxProperties = clonePtr(s.MinProperties), clonePtr(s.MaxProperties)
	c.MinItems, c.MaxItems = clonePtr(s.MinItems), clonePtr(s.MaxItems)
	c.UniqueItems = clonePtr(s.UniqueItems)
	c.MinLength, c.MaxLength = clonePtr(s.MinLength), clonePtr(s.MaxLength)
	c.Minimum, c.Maximum = clonePtr(s.Minimum), clonePtr(s.Maximum)
	c.ExclusiveMinimum, c.ExclusiveMaximum = clonePtr(s.ExclusiveMinimum), clonePtr(s.ExclusiveMaximum)
	c.MultipleOf = clonePtr(s.MultipleOf)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (s *JSONSchema) ToJSON() ([]byte, error) { return json.Marshal(s) }

func (s *JSONSchema) ToJSONIndent() ([]byte, error) { return json.MarshalIndent(s, "", "  ") }

// FromJSON 解析 schema 文档，动态 schema 从这里进入。
func FromJSON(data []byte) (*JSONSchema, error) {
	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse JSON schema: %w", err)
	}
	return &schema, nil
}
