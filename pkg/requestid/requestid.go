package requestid

import "context"

// Header 请求追踪 ID 的 HTTP 头
const Header = "X-Request-ID"

type ctxKey struct{}

// With 把请求 ID 放入 context，供下游调用透传
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From 读取请求 ID，不存在时返回空串
func From(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
