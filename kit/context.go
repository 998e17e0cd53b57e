package kit

import "context"

// Transports recorded on a call context.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
	TransportCLI  = "cli"
)

type ctxKey uint8

const (
	transportKey ctxKey = iota
	requestIDKey
	remoteAddrKey
	userKey
)

func with(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTransport records which surface a call arrived on.
func WithTransport(ctx context.Context, t string) context.Context { return with(ctx, transportKey, t) }

// GetTransport returns the recorded transport, TransportHTTP when unset.
func GetTransport(ctx context.Context) string {
	if t := get(ctx, transportKey); t != "" {
		return t
	}
	return TransportHTTP
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, requestIDKey, id)
}
func GetRequestID(ctx context.Context) string { return get(ctx, requestIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return with(ctx, remoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string { return get(ctx, remoteAddrKey) }

// WithUser records the authenticated API user.
func WithUser(ctx context.Context, user string) context.Context { return with(ctx, userKey, user) }
func GetUser(ctx context.Context) string                         { return get(ctx, userKey) }
