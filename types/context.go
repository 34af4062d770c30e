package types

import "context"

// Scope 是随一次提取请求传递的调用方身份。
// HTTP 中间件写入，structured 包读取后转发给上游 Provider。
type Scope struct {
	TraceID  string
	TenantID string
	UserID   string
}

type scopeKey struct{}

// ScopeFrom 返回 ctx 中的调用方身份，没有时返回零值。
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// WithScope 用 s 替换 ctx 中的调用方身份。
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func withField(ctx context.Context, set func(*Scope)) context.Context {
	s := ScopeFrom(ctx)
	set(&s)
	return WithScope(ctx, s)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return withField(ctx, func(s *Scope) { s.TraceID = id })
}

func WithTenantID(ctx context.Context, id string) context.Context {
	return withField(ctx, func(s *Scope) { s.TenantID = id })
}

func WithUserID(ctx context.Context, id string) context.Context {
	return withField(ctx, func(s *Scope) { s.UserID = id })
}

// TraceID 返回请求追踪 ID；空字符串视为未设置。
func TraceID(ctx context.Context) (string, bool) {
	id := ScopeFrom(ctx).TraceID
	return id, id != ""
}

func TenantID(ctx context.Context) (string, bool) {
	id := ScopeFrom(ctx).TenantID
	return id, id != ""
}

func UserID(ctx context.Context) (string, bool) {
	id := ScopeFrom(ctx).UserID
	return id, id != ""
}
