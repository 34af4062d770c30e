package structured

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"regexp"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// SchemaValidator 按 JSONSchema 校验已解码的 JSON 值。
type SchemaValidator interface {
	ValidateValue(value any, schema *JSONSchema) FieldErrors
}

// DefaultValidator 是 SchemaValidator 的默认实现。
// 对象属性按排序后的顺序访问，错误输出顺序稳定。
type DefaultValidator struct {
	mu               sync.RWMutex
	formatValidators map[StringFormat]func(string) bool
	patterns         sync.Map // string -> *regexp.Regexp
}

// NewValidator 创建带内置格式校验的 DefaultValidator。
func NewValidator() *DefaultValidator {
	v := &DefaultValidator{
		formatValidators: make(map[StringFormat]func(string) bool),
	}
	v.registerBuiltinFormats()
	return v
}

var (
	emailRe    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	uriRe      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	dateTimeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe     = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

func (v *DefaultValidator) registerBuiltinFormats() {
	v.formatValidators[FormatEmail] = emailRe.MatchString
	v.formatValidators[FormatURI] = uriRe.MatchString
	v.formatValidators[FormatDateTime] = dateTimeRe.MatchString
	v.formatValidators[FormatDate] = dateRe.MatchString
	v.formatValidators[FormatTime] = timeRe.MatchString
	v.formatValidators[FormatUUID] = func(s string) bool {
		_, err := uuid.Parse(s)
		return err == nil && len(s) == 36
	}
	v.formatValidators[FormatIPv4] = func(s string) bool {
		ip := net.ParseIP(s)
		return ip != nil && ip.To4() != nil
	}
	v.formatValidators[FormatIPv6] = func(s string) bool {
		ip := net.ParseIP(s)
		return ip != nil && ip.To4() == nil
	}
	v.formatValidators[FormatHostname] = func(s string) bool {
		return len(s) <= 253 && hostnameRe.MatchString(s)
	}
}

// RegisterFormat 注册自定义格式校验。
func (v *DefaultValidator) RegisterFormat(format StringFormat, validator func(string) bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.formatValidators[format] = validator
}

// Validate decodes data and validates it against schema.
func (v *DefaultValidator) Validate(data []byte, schema *JSONSchema) FieldErrors {
	var value any
	if err := decodeJSON(data, &value); err != nil {
		return unparseable(err)
	}
	return v.ValidateValue(value, schema)
}

// checkMode 决定一次校验覆盖哪些关键字。
type checkMode uint8

const (
	// checkShape: type, required, enum, const, additionalProperties.
	checkShape checkMode = 1 << iota
	// checkConstraints: lengths, bounds, patterns, formats, item counts.
	checkConstraints
	// skipZeroOptional: 值为零值的可选属性不做约束检查。
	// 树由 Go 值重新编码而来时，缺失字段会变成零值。
	skipZeroOptional

	checkAll = checkShape | checkConstraints
)

// ValidateValue validates an already decoded value (json.Number for numbers).
func (v *DefaultValidator) ValidateValue(value any, schema *JSONSchema) FieldErrors {
	return v.check(value, schema, checkAll)
}

// ValidateShape 只检查类型、必填和枚举。
func (v *DefaultValidator) ValidateShape(value any, schema *JSONSchema) FieldErrors {
	return v.check(value, schema, checkShape)
}

// ValidateConstraints 只检查取值约束。
func (v *DefaultValidator) ValidateConstraints(value any, schema *JSONSchema) FieldErrors {
	return v.check(value, schema, checkConstraints)
}

func (v *DefaultValidator) check(value any, schema *JSONSchema, mode checkMode) FieldErrors {
	var errs FieldErrors
	v.validateValue(value, schema, nil, &errs, mode)
	return errs
}

func (v *DefaultValidator) validateValue(value any, schema *JSONSchema, path Path, errs *FieldErrors, mode checkMode) {
	if schema == nil {
		return
	}
	shape := mode&checkShape != 0

	if schema.Const != nil {
		if shape && !equalValues(value, schema.Const) {
			errs.Addf(path, "value must be %v", schema.Const)
		}
		return
	}

	if len(schema.Enum) > 0 {
		found := false
		for _, enumVal := range schema.Enum {
			if equalValues(value, enumVal) {
				found = true
				break
			}
		}
		if !found {
			if shape {
				errs.Addf(path, "value must be one of: %v", schema.Enum)
			}
			return
		}
	}

	if len(schema.AnyOf) > 0 {
		v.validateAnyOf(value, schema, path, errs, mode)
	}

	switch schema.Type {
	case TypeString:
		v.validateString(value, schema, path, errs, mode)
	case TypeNumber:
		v.validateNumber(value, schema, path, errs, mode, false)
	case TypeInteger:
		v.validateNumber(value, schema, path, errs, mode, true)
	case TypeBoolean:
		if _, ok := value.(bool); !ok && shape {
			errs.Addf(path, "expected boolean, got %s", jsonTypeName(value))
		}
	case TypeNull:
		if value != nil && shape {
			errs.Addf(path, "expected null, got %s", jsonTypeName(value))
		}
	case TypeObject:
		v.validateObject(value, schema, path, errs, mode)
	case TypeArray:
		v.validateArray(value, schema, path, errs, mode)
	}
}

func (v *DefaultValidator) validateAnyOf(value any, schema *JSONSchema, path Path, errs *FieldErrors, mode checkMode) {
	var first FieldErrors
	for i, alt := range schema.AnyOf {
		var altErrs FieldErrors
		v.validateValue(value, alt, path, &altErrs, mode)
		if altErrs.Empty() {
			return
		}
		if i == 0 {
			first = altErrs
		}
	}
	if mode&checkShape != 0 {
		errs.Add(path, "value does not match any allowed schema")
		return
	}
	errs.Merge(first)
}

func (v *DefaultValidator) validateString(value any, schema *JSONSchema, path Path, errs *FieldErrors, mode checkMode) {
	str, ok := value.(string)
	if !ok {
		if mode&checkShape != 0 {
			errs.Addf(path, "expected string, got %s", jsonTypeName(value))
		}
		return
	}
	if mode&checkConstraints == 0 {
		return
	}

	n := utf8.RuneCountInString(str)
	if schema.MinLength != nil && n < *schema.MinLength {
		errs.Addf(path, "should have at least %d character(s)", *schema.MinLength)
	}
	if schema.MaxLength != nil && n > *schema.MaxLength {
		errs.Addf(path, "should have at most %d character(s)", *schema.MaxLength)
	}

	if schema.Pattern != "" {
		re, err := v.compile(schema.Pattern)
		if err != nil {
			errs.Addf(path, "invalid pattern %q: %v", schema.Pattern, err)
		} else if !re.MatchString(str) {
			errs.Addf(path, "string does not match pattern %q", schema.Pattern)
		}
	}

	if schema.Format != "" {
		v.mu.RLock()
		check, ok := v.formatValidators[schema.Format]
		v.mu.RUnlock()
		if ok && !check(str) {
			errs.Addf(path, "string does not match format %q", schema.Format)
		}
	}
}

func (v *DefaultValidator) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := v.patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	v.patterns.Store(pattern, re)
	return re, nil
}

func (v *DefaultValidator) validateNumber(value any, schema *JSONSchema, path Path, errs *FieldErrors, mode checkMode, integer bool) {
	shape := mode&checkShape != 0
	want := "number"
	if integer {
		want = "integer"
	}
	num, ok := toFloat64(value)
	if !ok {
		if shape {
			errs.Addf(path, "expected %s, got %s", want, jsonTypeName(value))
		}
		return
	}
	if integer && num != math.Trunc(num) {
		if shape {
			errs.Addf(path, "expected integer, got %v", num)
		}
		return
	}
	if mode&checkConstraints == 0 {
		return
	}

	if schema.Minimum != nil && num < *schema.Minimum {
		errs.Addf(path, "should be greater than or equal to %v", *schema.Minimum)
	}
	if schema.Maximum != nil && num > *schema.Maximum {
		errs.Addf(path, "should be less than or equal to %v", *schema.Maximum)
	}
	if schema.ExclusiveMinimum != nil && num <= *schema.ExclusiveMinimum {
		errs.Addf(path, "should be greater than %v", *schema.ExclusiveMinimum)
	}
	if schema.ExclusiveMaximum != nil && num >= *schema.ExclusiveMaximum {
		errs.Addf(path, "should be less than %v", *schema.ExclusiveMaximum)
	}
	if schema.MultipleOf != nil && *schema.MultipleOf != 0 {
		q := num / *schema.MultipleOf
		if q != math.Trunc(q) {
			errs.Addf(path, "should be a multiple of %v", *schema.MultipleOf)
		}
	}
}

func (v *DefaultValidator) validateObject(value any, schema *JSONSchema, path Path, errs *FieldErrors, mode checkMode) {
	shape := mode&checkShape != 0
	constraints := mode&checkConstraints != 0

	obj, ok := value.(map[string]any)
	if !ok {
		if shape {
			errs.Addf(path, "expected object, got %s", jsonTypeName(value))
		}
		return
	}

	if shape {
		for _, req := range schema.Required {
			val, exists := obj[req]
			if !exists {
				errs.Add(path.Child(req), "field required")
			} else if val == nil {
				errs.Add(path.Child(req), "field required, got null")
			}
		}
	}

	if constraints {
		if schema.MinProperties != nil && len(obj) < *schema.MinProperties {
			errs.Addf(path, "should have at least %d propert(ies)", *schema.MinProperties)
		}
		if schema.MaxProperties != nil && len(obj) > *schema.MaxProperties {
			errs.Addf(path, "should have at most %d propert(ies)", *schema.MaxProperties)
		}
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		propValue := obj[name]
		required := schema.IsRequired(name)
		if propValue == nil && !required {
			continue
		}
		propMode := mode
		if mode&skipZeroOptional != 0 && !required && isZeroValue(propValue) {
			propMode &^= checkConstraints
		}
		propPath := path.Child(name)

		if propSchema, ok := schema.Properties[name]; ok {
			if propValue != nil {
				v.validateValue(propValue, propSchema, propPath, errs, propMode)
			}
			continue
		}
		if ap := schema.AdditionalProperties; ap != nil {
			switch {
			case ap.Schema != nil:
				v.validateValue(propValue, ap.Schema, propPath, errs, propMode)
			case !ap.Allowed && shape:
				errs.Add(propPath, "extra fields not permitted")
			}
		}
	}
}

func (v *DefaultValidator) validateArray(value any, schema *JSONSchema, path Path, errs *FieldErrors, mode checkMode) {
	arr, ok := value.([]any)
	if !ok {
		if mode&checkShape != 0 {
			errs.Addf(path, "expected array, got %s", jsonTypeName(value))
		}
		return
	}

	if mode&checkConstraints != 0 {
		if schema.MinItems != nil && len(arr) < *schema.MinItems {
			errs.Addf(path, "should have at least %d item(s)", *schema.MinItems)
		}
		if schema.MaxItems != nil && len(arr) > *schema.MaxItems {
			errs.Addf(path, "should have at most %d item(s)", *schema.MaxItems)
		}
		if schema.UniqueItems != nil && *schema.UniqueItems {
			seen := make(map[string]bool, len(arr))
			for i, item := range arr {
				key := valueKey(item)
				if seen[key] {
					errs.Add(path.At(i), "duplicate item in array with uniqueItems constraint")
				}
				seen[key] = true
			}
		}
	}

	if schema.Items != nil {
		for i, item := range arr {
			v.validateValue(item, schema.Items, path.At(i), errs, mode)
		}
	}
}

func isZeroValue(value any) bool {
	switch x := value.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		f, ok := toFloat64(value)
		return ok && f == 0
	}
}

func toFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)
	if aIsNum && bIsNum {
		return aNum == bNum
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return valueKey(a) == valueKey(b)
}

func valueKey(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int64, int32:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}
