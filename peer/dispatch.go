package peer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"duplex-rpc/message"
)

// dispatch classifies one inbound frame. Responses are resolved before the
// loop reads the next frame; requests get their own goroutine.
func (c *Connection) dispatch(ctx context.Context, data []byte) {
	env, err := c.codec.Decode(data)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Warn("dropping frame", zap.Error(err), zap.Int("size", len(data)))
		return
	}

	switch env.Type {
	case message.KindResponse:
		c.resolve(env.Response)
	case message.KindRequest:
		c.inFlight.Add(1)
		go c.serve(ctx, env.Request)
	}
}

func (c *Connection) resolve(resp *message.Response) {
	call, ok := c.pending.take(resp.CallID)
	if !ok {
		c.dropped.Add(1)
		c.logger.Warn("response for unknown call", zap.String("callId", resp.CallID))
		return
	}
	if resp.IsError() {
		call.finish(nil, &RemoteError{Method: call.method, Message: *resp.Error})
		return
	}
	call.finish(resp.Retval, nil)
}

// serve handles one inbound request and sends exactly one response, also when
// the handler panics.
func (c *Connection) serve(ctx context.Context, req *message.Request) {
	var resp *message.Response
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic",
				zap.String("method", req.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			resp = message.NewError(req.CallID, fmt.Sprintf("panic in %s: %v", req.Name, r))
		}
		if resp == nil {
			resp = message.NewError(req.CallID, fmt.Sprintf("%s: no response", req.Name))
		}
		resp.CallID = req.CallID
		c.reply(resp)
		c.inFlight.Add(-1)
	}()

	resp = c.handler(ctx, req)
}

func (c *Connection) reply(resp *message.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.sendEnvelope(ctx, resp.Envelope()); err != nil {
		c.logger.Debug("send response", zap.String("callId", resp.CallID), zap.Error(err))
	}
}

// invoke is the innermost handler of the middleware chain.
func (c *Connection) invoke(ctx context.Context, req *message.Request) *message.Response {
	h, ok := c.methods.Lookup(req.Name)
	if !ok {
		return message.NewError(req.CallID, fmt.Sprintf("no such method name %q", req.Name))
	}
	v, err := h(ctx, c, req.Args)
	if err != nil {
		return message.NewError(req.CallID, err.Error())
	}
	retval, err := json.Marshal(v)
	if err != nil {
		return message.NewError(req.CallID, fmt.Sprintf("%s: encode result: %v", req.Name, err))
	}
	return message.NewResult(req.CallID, retval)
}
