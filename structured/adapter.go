package structured

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// Schema 是目标 Schema 暴露给解码器的能力。
//
// Describe 是纯函数，生命周期内总返回同一份描述，也就是模型看到的内容。
// Construct 把完整 JSON 文档转换为值，从不 panic。Validate 对构造结果做语义校验。
type Schema[T any] interface {
	Describe() *JSONSchema
	Construct(raw json.RawMessage) (T, FieldErrors)
	Validate(value T) FieldErrors
}

// PartialConstructor 从不完整的文档尽力构造值，类型不符或缺失的字段保持零值。
type PartialConstructor[T any] interface {
	ConstructPartial(raw json.RawMessage) T
}

// RecordSchema 可逐元素解码的数组 Schema。
type RecordSchema[E any] interface {
	Schema[[]E]
	Elem() Schema[E]
}

// Named is implemented by schemas that carry a tool / response-format name.
type Named interface {
	Name() string
}

// Rule 调用方提供的语义校验。
type Rule[T any] func(value T) FieldErrors

// ---------------------------------------------------------------------------
// TypeSchema
// ---------------------------------------------------------------------------

// TypeSchema 通过反射描述 Go 类型，并解码到该类型。
type TypeSchema[T any] struct {
	name        string
	description string
	schema      *JSONSchema
	validator   *DefaultValidator
	rules       []Rule[T]
}

// SchemaOption configures a TypeSchema.
type SchemaOption[T any] func(*TypeSchema[T])

// WithName sets the tool / response-format name shown to the model.
func WithName[T any](name string) SchemaOption[T] {
	return func(s *TypeSchema[T]) { s.name = name }
}

// WithDescription sets the top-level description shown to the model.
func WithDescription[T any](desc string) SchemaOption[T] {
	return func(s *TypeSchema[T]) { s.description = desc }
}

// WithRule 添加构造完成后执行的语义校验。
func WithRule[T any](rule Rule[T]) SchemaOption[T] {
	return func(s *TypeSchema[T]) { s.rules = append(s.rules, rule) }
}

// WithCheck 添加一个校验，错误挂在 path 上（"" 表示根）。
func WithCheck[T any](path string, check func(T) error) SchemaOption[T] {
	p := ParsePath(path)
	return WithRule(func(v T) FieldErrors {
		if err := check(v); err != nil {
			var fe FieldErrors
			fe.Add(p, err.Error())
			return fe
		}
		return nil
	})
}

// WithValidator 替换校验器，例如注册自定义格式。
func WithValidator[T any](v *DefaultValidator) SchemaOption[T] {
	return func(s *TypeSchema[T]) { s.validator = v }
}

// For 为 T 构建 TypeSchema。
func For[T any](opts ...SchemaOption[T]) (*TypeSchema[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	schema, err := NewSchemaGenerator().GenerateSchema(t)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", t, err)
	}
	s := &TypeSchema[T]{
		name:      defaultSchemaName(t),
		schema:    schema,
		validator: NewValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.description != "" {
		s.schema.Description = s.description
	}
	return s, nil
}

// MustFor 同 For，出错时 panic，适合包级变量。
func MustFor[T any](opts ...SchemaOption[T]) *TypeSchema[T] {
	s, err := For[T](opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Name implements Named.
func (s *TypeSchema[T]) Name() string { return s.name }

// Describe implements Schema.
func (s *TypeSchema[T]) Describe() *JSONSchema { return s.schema.Clone() }

// Construct 实现 Schema。类型、必填、枚举等结构错误按字段路径报告。
func (s *TypeSchema[T]) Construct(raw json.RawMessage) (T, FieldErrors) {
	var zero T
	var tree any
	if err := decodeJSON(raw, &tree); err != nil {
		return zero, unparseable(err)
	}
	if errs := s.validator.ValidateShape(tree, s.schema); !errs.Empty() {
		return zero, errs
	}
	var value T
	if err := decodeJSON(raw, &value); err != nil {
		return zero, decodeFieldErrors(err)
	}
	return value, nil
}

// ConstructPartial implements PartialConstructor.
func (s *TypeSchema[T]) ConstructPartial(raw json.RawMessage) T {
	return constructLenient[T](raw)
}

// Validate 实现 Schema。先检查描述中的取值约束，再按注册顺序执行规则。
func (s *TypeSchema[T]) Validate(value T) FieldErrors {
	var errs FieldErrors
	if tree, err := toTree(value); err == nil {
		errs.Merge(s.validator.check(tree, s.schema, checkConstraints|skipZeroOptional))
	}
	for _, rule := range s.rules {
		errs.Merge(rule(value))
	}
	return errs
}

// ---------------------------------------------------------------------------
// DynamicSchema
// ---------------------------------------------------------------------------

// DynamicSchema 包装运行时才知道的 JSON Schema 文档，值为普通 JSON 树。
type DynamicSchema struct {
	name      string
	schema    *JSONSchema
	validator *DefaultValidator
	rules     []Rule[any]
}

// NewDynamicSchema creates a schema from a JSONSchema.
func NewDynamicSchema(name string, schema *JSONSchema, rules ...Rule[any]) (*DynamicSchema, error) {
	if schema == nil {
		return nil, errors.New("nil schema")
	}
	if name == "" {
		name = "extract"
	}
	return &DynamicSchema{name: name, schema: schema.Clone(), validator: NewValidator(), rules: rules}, nil
}

// ParseDynamicSchema 从 JSON Schema 文档创建 Schema。
func ParseDynamicSchema(name string, doc []byte, rules ...Rule[any]) (*DynamicSchema, error) {
	schema, err := FromJSON(doc)
	if err != nil {
		return nil, err
	}
	return NewDynamicSchema(name, schema, rules...)
}

func (s *DynamicSchema) Name() string          { return s.name }
func (s *DynamicSchema) Describe() *JSONSchema { return s.schema.Clone() }

func (s *DynamicSchema) Construct(raw json.RawMessage) (any, FieldErrors) {
	var tree any
	if err := decodeJSON(raw, &tree); err != nil {
		return nil, unparseable(err)
	}
	if errs := s.validator.ValidateShape(tree, s.schema); !errs.Empty() {
		return nil, errs
	}
	return tree, nil
}

func (s *DynamicSchema) ConstructPartial(raw json.RawMessage) any {
	var tree any
	_ = decodeJSON(raw, &tree)
	return tree
}

func (s *DynamicSchema) Validate(value any) FieldErrors {
	errs := s.validator.ValidateConstraints(value, s.schema)
	for _, rule := range s.rules {
		errs.Merge(rule(value))
	}
	return errs
}

// Records 返回数组 Schema 元素上的记录 Schema。
func (s *DynamicSchema) Records() (*ArraySchema[any], error) {
	if s.schema.Type != TypeArray || s.schema.Items == nil {
		return nil, fmt.Errorf("schema %q is not an array schema", s.name)
	}
	elem := &DynamicSchema{name: s.name, schema: s.schema.Items, validator: s.validator}
	arr := ArrayOf[any](elem)
	arr.name = s.name
	arr.bounds = &JSONSchema{MinItems: s.schema.MinItems, MaxItems: s.schema.MaxItems}
	arr.rules = append(arr.rules, func(v []any) FieldErrors {
		var errs FieldErrors
		for _, rule := range s.rules {
			errs.Merge(rule(v))
		}
		return errs
	})
	return arr, nil
}

// ---------------------------------------------------------------------------
// ArraySchema
// ---------------------------------------------------------------------------

// ArraySchema 元素 Schema 的数组。工具调用要求参数为对象，所以描述给模型时
// 包成 {"items": [...]}；Construct 同时接受包装形式和裸数组。
type ArraySchema[E any] struct {
	name   string
	elem   Schema[E]
	bounds *JSONSchema
	rules  []Rule[[]E]
}

// ArrayOf creates an array schema of elem.
func ArrayOf[E any](elem Schema[E]) *ArraySchema[E] {
	name := "extract"
	if n, ok := elem.(Named); ok {
		name = n.Name() + "_list"
	}
	return &ArraySchema[E]{name: name, elem: elem}
}

// WithItemBounds 限制元素个数。
func (s *ArraySchema[E]) WithItemBounds(min, max int) *ArraySchema[E] {
	s.bounds = &JSONSchema{}
	if min > 0 {
		s.bounds.MinItems = &min
	}
	if max > 0 {
		s.bounds.MaxItems = &max
	}
	return s
}

// WithRule adds a check over the whole array.
func (s *ArraySchema[E]) WithRule(rule Rule[[]E]) *ArraySchema[E] {
	s.rules = append(s.rules, rule)
	return s
}

func (s *ArraySchema[E]) Name() string    { return s.name }
func (s *ArraySchema[E]) Elem() Schema[E] { return s.elem }

func (s *ArraySchema[E]) Describe() *JSONSchema {
	items := NewArraySchema(s.elem.Describe())
	if s.bounds != nil {
		items.MinItems, items.MaxItems = s.bounds.MinItems, s.bounds.MaxItems
	}
	return NewObjectSchema().AddProperty(recordsKey, items).AddRequired(recordsKey)
}

const recordsKey = "items"

func (s *ArraySchema[E]) Construct(raw json.RawMessage) ([]E, FieldErrors) {
	elems, err := splitArray(raw)
	if err != nil {
		return nil, unparseable(err)
	}
	var errs FieldErrors
	out := make([]E, 0, len(elems))
	for i, elemRaw := range elems {
		v, elemErrs := s.elem.Construct(elemRaw)
		if !elemErrs.Empty() {
			errs.Merge(elemErrs.Under(Path{Index(i)}))
			continue
		}
		out = append(out, v)
	}
	if !errs.Empty() {
		return nil, errs
	}
	return out, nil
}

func (s *ArraySchema[E]) ConstructPartial(raw json.RawMessage) []E {
	elems, err := splitArray(raw)
	if err != nil {
		return nil
	}
	out := make([]E, 0, len(elems))
	for _, elemRaw := range elems {
		if pc, ok := s.elem.(PartialConstructor[E]); ok {
			out = append(out, pc.ConstructPartial(elemRaw))
		} else {
			out = append(out, constructLenient[E](elemRaw))
		}
	}
	return out
}

func (s *ArraySchema[E]) Validate(value []E) FieldErrors {
	var errs FieldErrors
	if s.bounds != nil {
		if s.bounds.MinItems != nil && len(value) < *s.bounds.MinItems {
			errs.Addf(nil, "should have at least %d item(s)", *s.bounds.MinItems)
		}
		if s.bounds.MaxItems != nil && len(value) > *s.bounds.MaxItems {
			errs.Addf(nil, "should have at most %d item(s)", *s.bounds.MaxItems)
		}
	}
	for i, v := range value {
		errs.Merge(s.elem.Validate(v).Under(Path{Index(i)}))
	}
	for _, rule := range s.rules {
		errs.Merge(rule(value))
	}
	return errs
}

// splitArray accepts `[...]` or `{"items": [...]}`.
func splitArray(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, err
		}
		inner, ok := wrapper[recordsKey]
		if !ok {
			return nil, fmt.Errorf("expected an %q array", recordsKey)
		}
		trimmed = inner
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("expected an array: %w", err)
	}
	return elems, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// constructLenient 能解多少解多少：encoding/json 遇到类型不符后仍会继续填充其余字段。
func constructLenient[T any](raw json.RawMessage) T {
	var v T
	_ = decodeJSON(raw, &v)
	return v
}

func toTree(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	err = decodeJSON(data, &tree)
	return tree, err
}

func decodeFieldErrors(err error) FieldErrors {
	var fe FieldErrors
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		fe.Addf(ParsePath(typeErr.Field), "cannot use %s as %s", typeErr.Value, typeErr.Type)
		return fe
	}
	fe.Add(nil, err.Error())
	return fe
}

// defaultSchemaName 由 Go 类型名生成 snake_case 工具名。
func defaultSchemaName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		return "extract"
	}
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	var sb strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
