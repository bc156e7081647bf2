package callback

import (
	"context"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"
)

var _ dispatchapi.CallbackDriver = new(FuncDriver)

// FuncDriver delivers in process.
type FuncDriver struct {
	fn func(ctx context.Context, receiver dispatchapi.SessionName, msgs []*dispatchapi.MsgUnit) error
}

func NewFuncDriver(fn func(ctx context.Context, receiver dispatchapi.SessionName, msgs []*dispatchapi.MsgUnit) error) *FuncDriver {
	return &FuncDriver{fn: fn}
}

func (f *FuncDriver) Protocol() string {
	return "LOCAL"
}

func (f *FuncDriver) Send(ctx context.Context, receiver dispatchapi.SessionName, msgs []*dispatchapi.MsgUnit) error {
	return f.fn(ctx, receiver, msgs)
}

func (f *FuncDriver) Close() error {
	return nil
}
