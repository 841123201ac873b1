package logger

import (
	"context"
	"log/slog"
	"time"
)

// Operation brackets a unit of work such as a pass or a config mutation.
// Start and progress lines are debug; the outcome is info or error.
type Operation struct {
	log    *Logger
	name   string
	began  time.Time
	fields []any
}

func (l *Logger) StartOp(ctx context.Context, name string, args ...any) *Operation {
	op := &Operation{
		log:    l.WithContext(ctx),
		name:   name,
		began:  time.Now(),
		fields: args,
	}
	op.log.Debug("operation started", op.attrs("", nil)...)
	return op
}

// With appends attributes carried by every later line of op.
func (op *Operation) With(args ...any) *Operation {
	op.fields = append(op.fields, args...)
	return op
}

func (op *Operation) attrs(elapsedKey string, extra []any) []any {
	out := make([]any, 0, 2+len(op.fields)+len(extra))
	out = append(out, slog.String("operation", op.name))
	if elapsedKey != "" {
		out = append(out, slog.Duration(elapsedKey, time.Since(op.began)))
	}
	out = append(out, op.fields...)
	return append(out, extra...)
}

func (op *Operation) Complete(msg string, args ...any) {
	if msg == "" {
		msg = "operation completed"
	}
	op.log.Info(msg, op.attrs("duration_ms", args)...)
}

func (op *Operation) Fail(err error, msg string, args ...any) {
	if msg == "" {
		msg = "operation failed"
	}
	op.log.Error(msg, append(errorAttrs(err), op.attrs("duration_ms", args)...)...)
}

func (op *Operation) Progress(msg string, args ...any) {
	op.log.Debug(msg, op.attrs("elapsed_ms", args)...)
}
