package host

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/internal/logctx"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
)

// batchItem tracks one element of a batch. An item is done once its outcome
// is known; done notifications keep a nil res.
type batchItem struct {
	req      *jsonrpc.Request
	res      *jsonrpc.Response
	required consent.Level
	done     bool
}

func (it *batchItem) fail(e *jsonrpc.Error) {
	it.done = true
	if it.req != nil && !it.req.IsNotification() {
		it.res = errorResponse(it.req.ID, e)
	}
}

// RouteBatchRequest routes a batch to serverID. When batching is disabled or
// the server lacks the batch capability, each request is routed on its own.
// Otherwise the session is validated once, every request is authorized and
// consent-checked individually, denied requests are answered in place and
// the admitted ones are forwarded to the server as one batch.
//
// Responses follow request order; notifications yield none. An empty batch
// fails with ErrInvalidBatch.
func (h *Host) RouteBatchRequest(ctx context.Context, serverID string, reqs []*jsonrpc.Request, clientID, authToken string) ([]*jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, ErrInvalidBatch
	}
	items := make([]*batchItem, len(reqs))
	for i, r := range reqs {
		items[i] = &batchItem{req: r}
	}
	h.routeBatch(ctx, serverID, items, clientID, authToken)
	return collect(items), nil
}

// RouteRaw routes an undecoded payload holding a single request or a batch.
// It returns the encoded response, or nil when nothing needs answering.
func (h *Host) RouteRaw(ctx context.Context, serverID string, raw []byte, clientID, authToken string) ([]byte, error) {
	parts, isBatch, rpcErr := jsonrpc.SplitBatch(raw)
	if rpcErr != nil {
		return json.Marshal(errorResponse(nil, rpcErr))
	}

	if !isBatch {
		req, rpcErr := jsonrpc.DecodeRequest(parts[0])
		if rpcErr != nil {
			return json.Marshal(errorResponse(nil, rpcErr))
		}
		res := h.RouteRequest(ctx, serverID, req, clientID, authToken)
		if res == nil {
			return nil, nil
		}
		return json.Marshal(res)
	}

	if len(parts) == 0 {
		return json.Marshal(errorResponse(nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, ErrInvalidBatch.Error(), nil)))
	}
	items := make([]*batchItem, len(parts))
	for i, part := range parts {
		req, rpcErr := jsonrpc.DecodeRequest(part)
		if rpcErr != nil {
			items[i] = &batchItem{res: errorResponse(nil, rpcErr), done: true}
			continue
		}
		items[i] = &batchItem{req: req}
	}
	h.routeBatch(ctx, serverID, items, clientID, authToken)

	out := collect(items)
	if len(out) == 0 {
		return nil, nil
	}
	return json.Marshal(out)
}

func (h *Host) routeBatch(ctx context.Context, serverID string, items []*batchItem, clientID, authToken string) {
	ctx = logctx.WithRoute(ctx, &logctx.Route{ServerID: serverID, ClientID: clientID, Type: "batch"})

	srv, ok := h.servers.Get(serverID)
	if !h.batchEnabled || !ok || !srv.Capabilities.Batch {
		h.log.DebugContext(ctx, "host.batch.fallback", slog.Int("size", len(items)))
		for _, it := range items {
			if it.done {
				continue
			}
			it.res = h.RouteRequest(ctx, serverID, it.req, clientID, authToken)
			it.done = true
		}
		return
	}

	for _, it := range items {
		if it.done {
			continue
		}
		if err := jsonrpc.ValidateRequest(it.req); err != nil {
			var id *jsonrpc.RequestID
			if it.req != nil {
				id = it.req.ID
			}
			it.res = jsonrpc.NewCategorizedError(id, jsonrpc.ErrorCodeInvalidRequest, "invalid request", err.Error())
			it.done = true
		}
	}

	_, c, rpcErr := h.resolve(serverID, clientID)
	if rpcErr == nil {
		rpcErr = h.authenticate(ctx, c, authToken)
	}
	if rpcErr != nil {
		for _, it := range items {
			if !it.done {
				it.fail(rpcErr)
			}
		}
		return
	}

	var admitted []*batchItem
	batchLevel := consent.None
	for _, it := range items {
		if it.done {
			continue
		}
		if e := capabilityGate(srv, it.req.Method); e != nil {
			it.fail(e)
			continue
		}
		required, e := h.admit(ctx, srv, c, it.req)
		if e != nil {
			it.fail(e)
			continue
		}
		it.required = required
		batchLevel = max(batchLevel, required)
		admitted = append(admitted, it)
	}
	if len(admitted) == 0 {
		return
	}

	reqs := make([]*jsonrpc.Request, len(admitted))
	for i, it := range admitted {
		reqs[i] = it.req
	}

	callCtx, cancel := h.callContext(ctx)
	defer cancel()
	res, err := await(callCtx, func(ctx context.Context) ([]*jsonrpc.Response, error) {
		return srv.Handle.HandleBatchRequest(ctx, reqs, c.authContext(batchLevel))
	})
	switch {
	case errors.Is(err, endpoint.ErrBatchUnsupported):
		h.log.WarnContext(ctx, "host.batch.unsupported", slog.Int("size", len(admitted)))
		for _, it := range admitted {
			it.res = h.forward(ctx, srv, c, it.req, c.authContext(it.required))
			it.done = true
			if it.res != nil && it.res.Error == nil {
				h.trackSubscription(ctx, srv.ID, c.clientID, it.req)
			}
		}
		return
	case err != nil:
		e := h.downstreamError(ctx, nil, err).Error
		for _, it := range admitted {
			it.fail(e)
		}
		return
	}

	h.matchBatch(ctx, srv, c, admitted, res)
}

// matchBatch pairs server responses with admitted requests by id. A request
// left without a valid response is answered with an InternalError.
func (h *Host) matchBatch(ctx context.Context, srv *registry.ServerDescriptor, c *caller, admitted []*batchItem, res []*jsonrpc.Response) {
	used := make([]bool, len(res))
	for _, it := range admitted {
		it.done = true
		if it.req.IsNotification() {
			continue
		}

		var found *jsonrpc.Response
		for j, r := range res {
			if used[j] || r == nil || !it.req.ID.Equal(r.ID) {
				continue
			}
			used[j] = true
			found = r
			break
		}
		if found == nil {
			h.log.ErrorContext(ctx, "host.batch.missing_response", slog.String("id", it.req.ID.String()))
			it.res = jsonrpc.NewCategorizedError(it.req.ID, jsonrpc.ErrorCodeInternalError, "missing response from server", nil)
			continue
		}
		if err := jsonrpc.ValidateResponse(found, it.req.ID); err != nil {
			h.log.ErrorContext(ctx, "host.batch.invalid_response", slog.String("id", it.req.ID.String()), slog.String("err", err.Error()))
			it.res = jsonrpc.NewCategorizedError(it.req.ID, jsonrpc.ErrorCodeInternalError, "invalid response from server", nil)
			continue
		}
		it.res = found
		if found.Error == nil {
			h.trackSubscription(ctx, srv.ID, c.clientID, it.req)
		}
	}

	extra := 0
	for _, u := range used {
		if !u {
			extra++
		}
	}
	if extra > 0 {
		h.log.WarnContext(ctx, "host.batch.unexpected_responses", slog.Int("count", extra))
	}
}

func collect(items []*batchItem) []*jsonrpc.Response {
	out := make([]*jsonrpc.Response, 0, len(items))
	for _, it := range items {
		if it.res != nil {
			out = append(out, it.res)
		}
	}
	return out
}
