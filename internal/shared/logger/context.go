package logger

import (
	"context"
	"log/slog"
)

type fieldsKey struct{}

// fields are the correlation ids threaded through a request or pass.
type fields struct {
	requestID string
	serverID  string
	configID  string
	ownerID   string
}

func fieldsFrom(ctx context.Context) fields {
	if ctx == nil {
		return fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(fields)
	return f
}

func withFields(ctx context.Context, set func(*fields)) context.Context {
	f := fieldsFrom(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func (f fields) attrs() []any {
	var out []any
	for _, kv := range [...]struct{ k, v string }{
		{"request_id", f.requestID},
		{"server_id", f.serverID},
		{"config_id", f.configID},
		{"owner_id", f.ownerID},
	} {
		if kv.v != "" {
			out = append(out, slog.String(kv.k, kv.v))
		}
	}
	return out
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *fields) { f.requestID = id })
}

func WithServerID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *fields) { f.serverID = id })
}

func WithConfigID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *fields) { f.configID = id })
}

func WithOwnerID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *fields) { f.ownerID = id })
}

// GetRequestID returns the request id set by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	return fieldsFrom(ctx).requestID
}
