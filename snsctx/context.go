// Package snsctx carries per-invocation diagnostics settings through contexts
// into the bus adapters.
package snsctx

import (
	"context"
	"encoding/hex"
	"log/slog"
)

type ctxIndex int

const ctxIndexVerbose ctxIndex = iota

func IsVerbose(ctx context.Context) bool {
	val, ok := ctx.Value(ctxIndexVerbose).(bool)
	return ok && val
}

func SetVerbose(ctx context.Context, value bool) context.Context {
	return context.WithValue(ctx, ctxIndexVerbose, value)
}

// Dump logs a hex dump of a raw frame when ctx is verbose.
func Dump(ctx context.Context, msg string, frame []byte) {
	if !IsVerbose(ctx) {
		return
	}
	slog.Info(msg, "len", len(frame), "frame", "\n"+hex.Dump(frame))
}
