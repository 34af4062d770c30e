package structured

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/extractflow/types"
)

// PathSegment is one step of a field path: an object field or an array index.
type PathSegment struct {
	Field   string
	Index   int
	IsIndex bool
}

// Field returns a field segment.
func Field(name string) PathSegment { return PathSegment{Field: name} }

// Index returns an index segment.
func Index(i int) PathSegment { return PathSegment{Index: i, IsIndex: true} }

// Path is an ordered sequence of segments. The empty path is the root value.
type Path []PathSegment

// ParsePath parses the dotted form produced by Path.String, e.g. "items[2].name".
func ParsePath(s string) Path {
	var p Path
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			continue
		}
		name := part
		var idxs []int
		if i := strings.IndexByte(part, '['); i >= 0 {
			name = part[:i]
			for _, raw := range strings.Split(part[i+1:], "[") {
				n, err := strconv.Atoi(strings.TrimSuffix(raw, "]"))
				if err == nil {
					idxs = append(idxs, n)
				}
			}
		}
		if name != "" {
			p = append(p, Field(name))
		}
		for _, n := range idxs {
			p = append(p, Index(n))
		}
	}
	return p
}

// String renders the path as "a.b[0].c"; the root renders as "".
func (p Path) String() string {
	var sb strings.Builder
	for _, seg := range p {
		if seg.IsIndex {
			sb.WriteByte('[')
			sb.WriteString(strconv.Itoa(seg.Index))
			sb.WriteByte(']')
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg.Field)
	}
	return sb.String()
}

// Child returns a new path extended by a field segment.
func (p Path) Child(name string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Field(name))
}

// At returns a new path extended by an index segment.
func (p Path) At(i int) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Index(i))
}

// Equal reports whether two paths have the same segments.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the path as a list of field names and indexes.
func (p Path) MarshalJSON() ([]byte, error) {
	loc := make([]any, len(p))
	for i, seg := range p {
		if seg.IsIndex {
			loc[i] = seg.Index
		} else {
			loc[i] = seg.Field
		}
	}
	return json.Marshal(loc)
}

// UnmarshalJSON decodes the list form written by MarshalJSON.
func (p *Path) UnmarshalJSON(data []byte) error {
	var loc []any
	if err := json.Unmarshal(data, &loc); err != nil {
		return err
	}
	out := make(Path, 0, len(loc))
	for _, v := range loc {
		switch x := v.(type) {
		case string:
			out = append(out, Field(x))
		case float64:
			out = append(out, Index(int(x)))
		default:
			return fmt.Errorf("invalid path segment %v", v)
		}
	}
	*p = out
	return nil
}

// FieldError holds every message reported for one path.
type FieldError struct {
	Path     Path     `json:"path"`
	Messages []string `json:"messages"`
}

// FieldErrors 有序的 路径 → 错误信息 映射。条目按路径首次出现的顺序排列，信息按上报顺序排列。
type FieldErrors []FieldError

// Add appends msg to path's entry, creating the entry if needed.
func (fe *FieldErrors) Add(path Path, msg string) {
	for i := range *fe {
		if (*fe)[i].Path.Equal(path) {
			(*fe)[i].Messages = append((*fe)[i].Messages, msg)
			return
		}
	}
	*fe = append(*fe, FieldError{Path: append(Path(nil), path...), Messages: []string{msg}})
}

// Addf is Add with formatting.
func (fe *FieldErrors) Addf(path Path, format string, args ...any) {
	fe.Add(path, fmt.Sprintf(format, args...))
}

// Merge appends every message of other, in order.
func (fe *FieldErrors) Merge(other FieldErrors) {
	for _, e := range other {
		for _, m := range e.Messages {
			fe.Add(e.Path, m)
		}
	}
}

// Under 返回所有路径加上 prefix 前缀的副本。
func (fe FieldErrors) Under(prefix Path) FieldErrors {
	if len(fe) == 0 {
		return nil
	}
	out := make(FieldErrors, len(fe))
	for i, e := range fe {
		p := make(Path, 0, len(prefix)+len(e.Path))
		p = append(append(p, prefix...), e.Path...)
		out[i] = FieldError{Path: p, Messages: append([]string(nil), e.Messages...)}
	}
	return out
}

// Empty reports whether no error was recorded.
func (fe FieldErrors) Empty() bool { return len(fe) == 0 }

// Messages returns the messages recorded for path.
func (fe FieldErrors) Messages(path Path) []string {
	for _, e := range fe {
		if e.Path.Equal(path) {
			return e.Messages
		}
	}
	return nil
}

// Count returns the total number of messages.
func (fe FieldErrors) Count() int {
	n := 0
	for _, e := range fe {
		n += len(e.Messages)
	}
	return n
}

// Lines renders one "field — message" line per message. The root path is
// shown as "(root)".
func (fe FieldErrors) Lines() []string {
	lines := make([]string, 0, fe.Count())
	for _, e := range fe {
		name := e.Path.String()
		if name == "" {
			name = "(root)"
		}
		for _, m := range e.Messages {
			lines = append(lines, name+" — "+m)
		}
	}
	return lines
}

// Render 用换行连接 Lines，这就是回灌给模型的文本。
func (fe FieldErrors) Render() string {
	return strings.Join(fe.Lines(), "\n")
}

// Error implements error.
func (fe FieldErrors) Error() string {
	switch n := fe.Count(); n {
	case 0:
		return "validation failed"
	case 1:
		return fe.Lines()[0]
	default:
		return fmt.Sprintf("validation failed with %d errors: %s", n, strings.Join(fe.Lines(), "; "))
	}
}

// AsError 无错误时返回 nil。nil 的 FieldErrors 装进 error 接口后不等于 nil。
func (fe FieldErrors) AsError() error {
	if fe.Empty() {
		return nil
	}
	return fe
}

// unparseable 为无法解析的模型输出构造合成条目
func unparseable(cause error) FieldErrors {
	var fe FieldErrors
	fe.Add(nil, "unparseable response: "+cause.Error())
	return fe
}

// ToError wraps FieldErrors in a *types.Error. Malformed output is
// recognised by its synthetic root entry.
func (fe FieldErrors) ToError() *types.Error {
	code := types.ErrFieldValidation
	if len(fe) == 1 && len(fe[0].Path) == 0 && len(fe[0].Messages) == 1 &&
		strings.HasPrefix(fe[0].Messages[0], "unparseable response") {
		code = types.ErrMalformedOutput
	}
	return types.NewError(code, fe.Error()).WithCause(fe)
}
