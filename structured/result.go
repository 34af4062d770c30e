package structured

import (
	"encoding/json"

	"github.com/BaSui01/extractflow/types"
)

// ResultKind 标记结果类别。
type ResultKind uint8

const (
	// KindPartial 尽力而为、尚未校验的值，之后总会有新结果取代它
	KindPartial ResultKind = iota
	// KindOK is a terminal, constructed and validated value.
	KindOK
	// KindError 终态校验失败
	KindError
)

func (k ResultKind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindOK:
		return "ok"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ResultKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Result is one decoded emission.
type Result[T any] struct {
	Kind   ResultKind  `json:"kind"`
	Value  T           `json:"value,omitempty"`
	Errors FieldErrors `json:"errors,omitempty"`
	// Attempts is the number of model calls made, set on terminal results of
	// the retrying entry point.
	Attempts int `json:"attempts,omitempty"`
	// Index is the source position of a record in record-stream mode.
	Index int `json:"index"`
	// Raw is the JSON the terminal result was built from, when available.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Terminal reports whether r closes its logical record.
func (r Result[T]) Terminal() bool { return r.Kind != KindPartial }

// OK reports whether r is a successful terminal result.
func (r Result[T]) OK() bool { return r.Kind == KindOK }

// Err 把 KindError 结果转换为 *types.Error，其余返回 nil。
func (r Result[T]) Err() error {
	if r.Kind != KindError {
		return nil
	}
	return r.Errors.ToError()
}

func partialResult[T any](v T) Result[T] { return Result[T]{Kind: KindPartial, Value: v} }

func okResult[T any](v T, raw json.RawMessage) Result[T] {
	return Result[T]{Kind: KindOK, Value: v, Raw: raw}
}

func errorResult[T any](errs FieldErrors, raw json.RawMessage) Result[T] {
	return Result[T]{Kind: KindError, Errors: errs, Raw: raw}
}

// configError 调用方误用时同步返回的错误
func configError(format string, args ...any) *types.Error {
	return types.NewConfigurationError(format, args...)
}
