package chat

import (
	"context"
	"errors"

	"relaychat/logger"
	"relaychat/tools/errs"

	"go.uber.org/zap"
)

// Ctx carries one inbound frame's handling state.
type Ctx struct {
	Context context.Context
	Srv     *Server
	Conn    *Conn
}

type HandlerFunc func(ctx *Ctx, data map[string]any) error

// Dispatcher routes inbound frames by event name.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(event string, h HandlerFunc) {
	d.handlers[event] = h
}

// Dispatch runs the handler for the frame. Handler errors are scoped to
// the offending socket, never broadcast.
func (d *Dispatcher) Dispatch(ctx *Ctx, f *Frame) {
	h, ok := d.handlers[f.Event]
	if !ok {
		ctx.Conn.SendEvent(EvError, ErrorPayload{
			Code:    errs.InvalidInputError,
			Message: "unknown event: " + f.Event,
		})
		return
	}
	if err := h(ctx, f.Data); err != nil {
		code := errs.Code(err)
		logger.Debug("handler rejected frame",
			zap.String("event", f.Event),
			zap.String("session", ctx.Conn.SessionID),
			zap.Error(err))
		ctx.Conn.SendEvent(EvError, ErrorPayload{Code: code, Message: errMsg(err, code)})
	}
}

func errMsg(err error, code int) string {
	var codeErr *errs.CodeError
	if errors.As(err, &codeErr) {
		return codeErr.EMsg()
	}
	if code == errs.ServerInternalError {
		return "internal error"
	}
	return err.Error()
}
