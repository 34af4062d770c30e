package jsonstream

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Value is a materialized JSON tree: map[string]any, []any, string,
// json.Number, bool or nil.
type Value = any

// MalformedJSONError reports input that never became a complete JSON document.
type MalformedJSONError struct {
	Offset int
	Reason string
}

func (e *MalformedJSONError) Error() string {
	return fmt.Sprintf("malformed JSON at offset %d: %s", e.Offset, e.Reason)
}

type nodeKind uint8

const (
	kindScalar nodeKind = iota
	kindObject
	kindArray
)

type node struct {
	kind   nodeKind
	keys   []string
	fields map[string]*node
	elems  []*node
	scalar any
}

func newContainer(c byte) *node {
	if c == '{' {
		return &node{kind: kindObject, fields: make(map[string]*node)}
	}
	return &node{kind: kindArray}
}

type containerState uint8

const (
	stObjKey   containerState = iota // key or '}'
	stObjColon                       // ':'
	stObjValue                       // value
	stObjNext                        // ',' or '}'
	stArrValue                       // value or ']'
	stArrNext                        // ',' or ']'
)

type frame struct {
	n     *node
	state containerState
	key   string
}

type tokenKind uint8

const (
	tokNone tokenKind = iota
	tokKey
	tokString
	tokNumber
	tokLiteral
)

type lexer struct {
	kind      tokenKind
	buf       []byte
	escape    bool
	inUnicode bool
	hex       []byte
	high      rune
	target    *node
}

func (l *lexer) reset() {
	l.kind = tokNone
	l.buf = l.buf[:0]
	l.escape = false
	l.inUnicode = false
	l.hex = l.hex[:0]
	l.high = 0
	l.target = nil
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithRecords enables record tracking. The record array is the root array, or
// the array stored under key directly in the root object. Each element is
// queued as soon as its span closes; see DrainRecords.
func WithRecords(key string) Option {
	return func(a *Assembler) {
		a.records = true
		a.recordsKey = key
	}
}

// Assembler incrementally builds a JSON tree from text fragments. Prose before
// the first '{' or '[' and anything after the root value closes is ignored.
// A bracket that fails before its container holds anything, as in
// "see [note] below", is treated as prose and scanning resumes.
// An Assembler is not safe for concurrent use.
type Assembler struct {
	started   bool
	restarted bool
	closed    bool
	err     *MalformedJSONError
	offset  int

	root  *node
	stack []*frame
	lex   lexer

	records     bool
	recordsKey  string
	recordFrame *frame
	pending     []json.RawMessage
}

// New creates an Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed consumes the next fragment and returns a fresh copy of the best
// current tree. Consumption stops at the first syntax error; the tree keeps
// whatever had been built and the error is reported by Finalize.
func (a *Assembler) Feed(fragment string) Value {
	for i := 0; i < len(fragment); i++ {
		if a.closed || a.err != nil {
			break
		}
		a.step(fragment[i])
		a.offset++
	}
	return a.Value()
}

// Value returns a fresh copy of the current tree, nil before the root starts.
func (a *Assembler) Value() Value {
	if !a.started {
		return nil
	}
	a.syncPartial()
	return materialize(a.root)
}

// Done reports whether the root value has closed.
func (a *Assembler) Done() bool { return a.closed }

// Err returns the syntax error that stopped consumption, if any.
func (a *Assembler) Err() error {
	if a.err == nil {
		return nil
	}
	return a.err
}

// Finalize returns the canonical JSON of the complete root value.
func (a *Assembler) Finalize() (json.RawMessage, error) {
	if a.err != nil {
		return nil, a.err
	}
	if !a.started {
		return nil, &MalformedJSONError{Offset: a.offset, Reason: "no JSON object or array found"}
	}
	if !a.closed {
		return nil, &MalformedJSONError{Offset: a.offset, Reason: "unexpected end of input"}
	}
	raw, err := json.Marshal(materialize(a.root))
	if err != nil {
		return nil, &MalformedJSONError{Offset: a.offset, Reason: err.Error()}
	}
	return raw, nil
}

// DrainRecords returns the records closed since the previous call, in source order.
func (a *Assembler) DrainRecords() []json.RawMessage {
	out := a.pending
	a.pending = nil
	return out
}

// RecordArraySeen reports whether the record array has started.
func (a *Assembler) RecordArraySeen() bool { return a.recordFrame != nil }

// OpenRecord returns the partial record element still open, if any.
func (a *Assembler) OpenRecord() (Value, bool) {
	if a.recordFrame == nil {
		return nil, false
	}
	idx := -1
	for i, f := range a.stack {
		if f == a.recordFrame {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	open := idx < len(a.stack)-1 || (idx == len(a.stack)-1 && a.lex.kind != tokNone)
	if !open || len(a.recordFrame.n.elems) == 0 {
		return nil, false
	}
	a.syncPartial()
	return materialize(a.recordFrame.n.elems[len(a.recordFrame.n.elems)-1]), true
}

// Parse assembles a complete document from text in one pass.
func Parse(text string) (json.RawMessage, error) {
	a := New()
	a.Feed(text)
	return a.Finalize()
}

func (a *Assembler) top() *frame { return a.stack[len(a.stack)-1] }

func (a *Assembler) step(c byte) {
	if !a.started {
		if c == '{' || c == '[' {
			a.started = true
			a.root = newContainer(c)
			a.push(a.root)
		}
		return
	}
	if a.lex.kind == tokNone || !a.lexStep(c) {
		a.structural(c)
	}
	if a.restarted {
		a.restarted = false
		a.step(c)
	}
}

// falseStart 根容器仍为空且没有进行中的 token，此时的语法错误说明这段其实是正文。
func (a *Assembler) falseStart() bool {
	if len(a.stack) != 1 || a.lex.kind != tokNone {
		return false
	}
	return len(a.root.keys) == 0 && len(a.root.elems) == 0
}

func (a *Assembler) restart() {
	a.started = false
	a.root = nil
	a.stack = a.stack[:0]
	a.recordFrame = nil
	a.lex.reset()
	a.restarted = true
}

// lexStep 把 c 交给进行中的 token；token 结束但未消费 c 时返回 false。
func (a *Assembler) lexStep(c byte) bool {
	l := &a.lex
	switch l.kind {
	case tokKey, tokString:
		return a.stringStep(c)
	case tokNumber:
		if isNumberByte(c) {
			l.buf = append(l.buf, c)
			return true
		}
		if n := numberPrefix(l.buf); n == 0 || n != len(l.buf) {
			a.fail(fmt.Sprintf("invalid number %q", l.buf))
			return true
		}
		target := l.target
		target.scalar = json.Number(string(l.buf))
		l.reset()
		a.valueDone(target)
		return false
	case tokLiteral:
		if c >= 'a' && c <= 'z' {
			l.buf = append(l.buf, c)
			if !isLiteralPrefix(l.buf) {
				a.fail(fmt.Sprintf("invalid literal %q", l.buf))
			}
			return true
		}
		v, ok := literalValue(l.buf)
		if !ok {
			a.fail(fmt.Sprintf("invalid literal %q", l.buf))
			return true
		}
		target := l.target
		target.scalar = v
		l.reset()
		a.valueDone(target)
		return false
	}
	return false
}

func (a *Assembler) stringStep(c byte) bool {
	l := &a.lex
	switch {
	case l.inUnicode:
		if !isHex(c) {
			a.fail("invalid unicode escape")
			return true
		}
		l.hex = append(l.hex, c)
		if len(l.hex) < 4 {
			return true
		}
		r := rune(hexValue(l.hex))
		l.inUnicode = false
		l.hex = l.hex[:0]
		switch {
		case r >= 0xD800 && r < 0xDC00:
			l.flushHigh()
			l.high = r
		case r >= 0xDC00 && r < 0xE000 && l.high != 0:
			l.buf = utf8.AppendRune(l.buf, (l.high-0xD800)<<10+(r-0xDC00)+0x10000)
			l.high = 0
		default:
			l.flushHigh()
			l.buf = utf8.AppendRune(l.buf, r)
		}
	case l.escape:
		l.escape = false
		if c == 'u' {
			l.inUnicode = true
			return true
		}
		l.flushHigh()
		switch c {
		case '"', '\\', '/':
			l.buf = append(l.buf, c)
		case 'b':
			l.buf = append(l.buf, '\b')
		case 'f':
			l.buf = append(l.buf, '\f')
		case 'n':
			l.buf = append(l.buf, '\n')
		case 'r':
			l.buf = append(l.buf, '\r')
		case 't':
			l.buf = append(l.buf, '\t')
		default:
			a.fail(fmt.Sprintf("invalid escape %q", c))
		}
	case c == '\\':
		l.escape = true
	case c == '"':
		l.flushHigh()
		s := string(l.buf)
		kind, target := l.kind, l.target
		l.reset()
		if kind == tokKey {
			a.keyDone(s)
		} else {
			target.scalar = s
			a.valueDone(target)
		}
	default:
		l.flushHigh()
		l.buf = append(l.buf, c)
	}
	return true
}

// flushHigh 未配对的高代理项输出替换字符
func (l *lexer) flushHigh() {
	if l.high != 0 {
		l.buf = utf8.AppendRune(l.buf, utf8.RuneError)
		l.high = 0
	}
}

func (a *Assembler) structural(c byte) {
	if isSpace(c) {
		return
	}
	f := a.top()
	switch f.state {
	case stObjKey:
		switch c {
		case '"':
			a.lex.kind = tokKey
		case '}':
			a.pop()
		default:
			a.fail(fmt.Sprintf("expected object key, got %q", c))
		}
	case stObjColon:
		if c != ':' {
			a.fail(fmt.Sprintf("expected ':', got %q", c))
			return
		}
		f.state = stObjValue
	case stObjValue:
		a.beginValue(f, c)
	case stArrValue:
		if c == ']' {
			a.pop()
			return
		}
		a.beginValue(f, c)
	case stObjNext:
		switch c {
		case ',':
			f.state = stObjKey
		case '}':
			a.pop()
		default:
			a.fail(fmt.Sprintf("expected ',' or '}', got %q", c))
		}
	case stArrNext:
		switch c {
		case ',':
			f.state = stArrValue
		case ']':
			a.pop()
		default:
			a.fail(fmt.Sprintf("expected ',' or ']', got %q", c))
		}
	}
}

func (a *Assembler) beginValue(f *frame, c byte) {
	var n *node
	switch {
	case c == '{' || c == '[':
		n = newContainer(c)
	case c == '"':
		n = &node{kind: kindScalar}
		a.lex.kind = tokString
		a.lex.target = n
	case c == '-' || (c >= '0' && c <= '9'):
		n = &node{kind: kindScalar}
		a.lex.kind = tokNumber
		a.lex.target = n
		a.lex.buf = append(a.lex.buf, c)
	case c == 't' || c == 'f' || c == 'n':
		n = &node{kind: kindScalar}
		a.lex.kind = tokLiteral
		a.lex.target = n
		a.lex.buf = append(a.lex.buf, c)
	default:
		a.fail(fmt.Sprintf("unexpected character %q", c))
		return
	}

	if f.n.kind == kindObject {
		f.n.fields[f.key] = n
		f.state = stObjNext
	} else {
		f.n.elems = append(f.n.elems, n)
		f.state = stArrNext
	}
	if n.kind != kindScalar {
		a.push(n)
	}
}

func (a *Assembler) keyDone(key string) {
	f := a.top()
	// 重复键保留旧值，直到新值开始
	if _, ok := f.n.fields[key]; !ok {
		f.n.keys = append(f.n.keys, key)
		f.n.fields[key] = &node{kind: kindScalar}
	}
	f.key = key
	f.state = stObjColon
}

func (a *Assembler) push(n *node) {
	f := &frame{n: n, state: stObjKey}
	if n.kind == kindArray {
		f.state = stArrValue
		if a.records && a.recordFrame == nil {
			depth := len(a.stack)
			if depth == 0 || (depth == 1 && a.stack[0].n.kind == kindObject && a.stack[0].key == a.recordsKey) {
				a.recordFrame = f
			}
		}
	}
	a.stack = append(a.stack, f)
}

func (a *Assembler) pop() {
	closed := a.top()
	a.stack = a.stack[:len(a.stack)-1]
	if len(a.stack) == 0 {
		a.closed = true
		return
	}
	a.valueDone(closed.n)
}

// valueDone 父容器为栈顶的值闭合时调用
func (a *Assembler) valueDone(n *node) {
	if a.recordFrame == nil || len(a.stack) == 0 || a.top() != a.recordFrame {
		return
	}
	raw, err := json.Marshal(materialize(n))
	if err != nil {
		a.fail(err.Error())
		return
	}
	a.pending = append(a.pending, raw)
}

func (a *Assembler) fail(reason string) {
	if a.falseStart() {
		a.restart()
		return
	}
	a.syncPartial()
	a.lex.reset()
	a.err = &MalformedJSONError{Offset: a.offset, Reason: reason}
}

// syncPartial 把进行中 token 的当前最佳值写回节点
func (a *Assembler) syncPartial() {
	l := &a.lex
	if l.target == nil {
		return
	}
	switch l.kind {
	case tokString:
		l.target.scalar = string(trimIncompleteRune(l.buf))
	case tokNumber:
		if n := numberPrefix(l.buf); n > 0 {
			l.target.scalar = json.Number(string(l.buf[:n]))
		} else {
			l.target.scalar = nil
		}
	case tokLiteral:
		l.target.scalar = nil
	}
}

func materialize(n *node) Value {
	if n == nil {
		return nil
	}
	switch n.kind {
	case kindObject:
		m := make(map[string]any, len(n.keys))
		for _, k := range n.keys {
			m[k] = materialize(n.fields[k])
		}
		return m
	case kindArray:
		s := make([]any, len(n.elems))
		for i, e := range n.elems {
			s[i] = materialize(e)
		}
		return s
	default:
		return n.scalar
	}
}
