package console

import (
	"context"

	"github.com/mklimuk/sensornode/snsctx"
)

func SetVerbose(parent context.Context, value bool) context.Context {
	return snsctx.SetVerbose(parent, value)
}
