package structured

import (
	"encoding/json"

	"github.com/BaSui01/extractflow/structured/jsonstream"
)

// Decoder 把有序的文本分片转换为结果。
// 每个分片调用一次 Feed，流结束时调用一次 Finish，两者都同步且不阻塞。
type Decoder[T any] interface {
	Feed(fragment string) []Result[T]
	Finish() []Result[T]
}

// decodeState: Streaming → Finalizing → Done.
type decodeState uint8

const (
	stateStreaming decodeState = iota
	stateFinalizing
	stateDone
)

func (s decodeState) String() string {
	switch s {
	case stateStreaming:
		return "streaming"
	case stateFinalizing:
		return "finalizing"
	default:
		return "done"
	}
}

func afterDone[T any]() []Result[T] {
	var fe FieldErrors
	fe.Add(nil, "decoder already finished")
	return []Result[T]{errorResult[T](fe, nil)}
}

// decodeDocument 对完整文档执行构造 + 校验。
func decodeDocument[T any](schema Schema[T], raw json.RawMessage) Result[T] {
	value, errs := schema.Construct(raw)
	if errs.Empty() {
		errs = schema.Validate(value)
	}
	if !errs.Empty() {
		return errorResult[T](errs, raw)
	}
	return okResult(value, raw)
}

// finishAssembler finalizes a and decodes the document it holds.
func finishAssembler[T any](schema Schema[T], a *jsonstream.Assembler) Result[T] {
	raw, err := a.Finalize()
	if err != nil {
		return errorResult[T](unparseable(err), nil)
	}
	return decodeDocument(schema, raw)
}

// DecodeText decodes one complete response text in single mode.
func DecodeText[T any](schema Schema[T], text string) Result[T] {
	d := NewSingleDecoder(schema)
	d.Feed(text)
	return d.Finish()[0]
}

// ---------------------------------------------------------------------------
// Single
// ---------------------------------------------------------------------------

// SingleDecoder 只累积不输出，Finish 时产出唯一终态结果。
type SingleDecoder[T any] struct {
	schema    Schema[T]
	assembler *jsonstream.Assembler
	state     decodeState
}

func NewSingleDecoder[T any](schema Schema[T]) *SingleDecoder[T] {
	return &SingleDecoder[T]{schema: schema, assembler: jsonstream.New()}
}

func (d *SingleDecoder[T]) Feed(fragment string) []Result[T] {
	if d.state != stateStreaming {
		return afterDone[T]()
	}
	d.assembler.Feed(fragment)
	return nil
}

func (d *SingleDecoder[T]) Finish() []Result[T] {
	if d.state != stateStreaming {
		return afterDone[T]()
	}
	d.state = stateFinalizing
	res := finishAssembler(d.schema, d.assembler)
	d.state = stateDone
	return []Result[T]{res}
}

// ---------------------------------------------------------------------------
// Partial-stream
// ---------------------------------------------------------------------------

// PartialDecoder 每个分片后输出整体的当前最佳值，结束时输出一个终态结果。
// 中间值用宽松构造得到，从不校验。
type PartialDecoder[T any] struct {
	schema    Schema[T]
	partial   func(json.RawMessage) T
	assembler *jsonstream.Assembler
	state     decodeState
}

func NewPartialDecoder[T any](schema Schema[T]) *PartialDecoder[T] {
	d := &PartialDecoder[T]{schema: schema, assembler: jsonstream.New()}
	if pc, ok := schema.(PartialConstructor[T]); ok {
		d.partial = pc.ConstructPartial
	} else {
		d.partial = constructLenient[T]
	}
	return d
}

func (d *PartialDecoder[T]) Feed(fragment string) []Result[T] {
	if d.state != stateStreaming {
		return afterDone[T]()
	}
	if fragment == "" {
		return nil
	}
	tree := d.assembler.Feed(fragment)
	var value T
	if tree != nil {
		if raw, err := json.Marshal(tree); err == nil {
			value = d.partial(raw)
		}
	}
	return []Result[T]{partialResult(value)}
}

func (d *PartialDecoder[T]) Finish() []Result[T] {
	if d.state != stateStreaming {
		return afterDone[T]()
	}
	d.state = stateFinalizing
	res := finishAssembler(d.schema, d.assembler)
	d.state = stateDone
	return []Result[T]{res}
}

// ---------------------------------------------------------------------------
// Record-stream
// ---------------------------------------------------------------------------

// RecordDecoder 在数组元素闭合时立即为其输出一个终态结果，元素之间互不影响。
type RecordDecoder[E any] struct {
	elem      Schema[E]
	assembler *jsonstream.Assembler
	state     decodeState
	next      int
}

func NewRecordDecoder[E any](schema RecordSchema[E]) *RecordDecoder[E] {
	return &RecordDecoder[E]{elem: schema.Elem(), assembler: jsonstream.New(jsonstream.WithRecords(recordsKey))}
}

func (d *RecordDecoder[E]) Feed(fragment string) []Result[E] {
	if d.state != stateStreaming {
		return afterDone[E]()
	}
	d.assembler.Feed(fragment)
	return d.drain()
}

func (d *RecordDecoder[E]) drain() []Result[E] {
	records := d.assembler.DrainRecords()
	if len(records) == 0 {
		return nil
	}
	out := make([]Result[E], 0, len(records))
	for _, raw := range records {
		res := decodeDocument(d.elem, raw)
		res.Index = d.next
		d.next++
		out = append(out, res)
	}
	return out
}

// Finish 报告流结束时仍未闭合的元素，或者根本没有出现记录数组的响应。
func (d *RecordDecoder[E]) Finish() []Result[E] {
	if d.state != stateStreaming {
		return afterDone[E]()
	}
	d.state = stateFinalizing
	defer func() { d.state = stateDone }()

	out := d.drain()
	var fe FieldErrors
	switch {
	case !d.assembler.RecordArraySeen():
		if err := d.assembler.Err(); err != nil {
			fe = unparseable(err)
		} else {
			fe.Add(nil, "unparseable response: no record array found")
		}
	default:
		if _, open := d.assembler.OpenRecord(); open {
			fe.Add(nil, "unparseable response: record not closed at end of stream")
		} else if err := d.assembler.Err(); err != nil {
			fe = unparseable(err)
		}
	}
	if !fe.Empty() {
		res := errorResult[E](fe, nil)
		res.Index = d.next
		d.next++
		out = append(out, res)
	}
	return out
}

// 编译期接口检查
var (
	_ Decoder[int] = (*SingleDecoder[int])(nil)
	_ Decoder[int] = (*PartialDecoder[int])(nil)
	_ Decoder[int] = (*RecordDecoder[int])(nil)
)
