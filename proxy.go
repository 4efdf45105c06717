package aura

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/counting-bot/Aura/gateway"
	"github.com/counting-bot/Aura/id"
	"github.com/counting-bot/Aura/ipc"
	"github.com/counting-bot/Aura/store"
)

// handleCentralRequest performs a rate-limited outbound call on a
// worker's behalf. The orchestrator holds the single shared client and
// its limiter state, so the whole fleet draws from one budget.
func (o *Orchestrator) handleCentralRequest(conn *workerConn, frame *ipc.Frame) {
	var data ipc.CentralRequestData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		o.sendCentralResponse(conn, frame, nil, err)
		return
	}
	if o.requester == nil {
		o.sendCentralResponse(conn, frame, nil, errors.New("aura: no request client configured"))
		return
	}

	ctx, cancel := context.WithTimeout(o.runContext(), ipc.DefaultRequestTimeout)
	defer cancel()

	result, err := o.requester.Request(ctx, gateway.Request{
		Method:   data.Method,
		URL:      data.URL,
		Auth:     data.Auth,
		Body:     data.Body,
		FileName: data.FileName,
		File:     data.File,
		Route:    data.Route,
		Priority: data.Priority,
	})
	o.sendCentralResponse(conn, frame, result, err)
}

// sendCentralResponse answers a proxied call with its own operation
// tag. The worker channel routes it to the pending continuation by
// correlation ID; a failure travels back reconstructable.
func (o *Orchestrator) sendCentralResponse(conn *workerConn, req *ipc.Frame, result json.RawMessage, err error) {
	resp := &ipc.Frame{
		ID:        id.NewFrameID().String(),
		Op:        ipc.OpCentralResponse,
		CorrelID:  req.ID,
		Timestamp: nowUTC(),
	}
	if err != nil {
		resp.Error = ipc.CaptureError(err)
	} else {
		resp.Data = result
	}
	if sendErr := conn.channel.Send(resp); sendErr != nil {
		o.logger.Warn("central response failed",
			slog.String("worker", o.workerLabel(conn)),
			slog.String("error", sendErr.Error()))
	}
}

// handleStore serves the central store RPC surface.
func (o *Orchestrator) handleStore(conn *workerConn, frame *ipc.Frame) {
	var req ipc.StoreRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			o.replyStoreError(conn, frame, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(o.runContext(), ipc.DefaultRequestTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch frame.Op {
	case ipc.OpStoreGet:
		var val json.RawMessage
		val, err = o.store.Get(ctx, req.Key)
		if errors.Is(err, store.ErrNotFound) {
			result, err = nil, nil
		} else {
			result = val
		}
	case ipc.OpStoreSet:
		err = o.store.Set(ctx, req.Key, req.Value)
		result = true
	case ipc.OpStoreHas:
		result, err = o.store.Has(ctx, req.Key)
	case ipc.OpStoreDelete:
		result, err = o.store.Delete(ctx, req.Key)
	case ipc.OpStoreClear:
		err = o.store.Clear(ctx)
		result = true
	case ipc.OpStoreCopy:
		result, err = o.store.Snapshot(ctx)
	}

	if err != nil {
		o.replyStoreError(conn, frame, err)
		return
	}
	if replyErr := conn.channel.Reply(frame, result); replyErr != nil {
		o.logger.Warn("store reply failed",
			slog.String("op", string(frame.Op)),
			slog.String("error", replyErr.Error()))
	}
}

func (o *Orchestrator) replyStoreError(conn *workerConn, frame *ipc.Frame, err error) {
	if sendErr := conn.channel.ReplyError(frame, ipc.CaptureError(err)); sendErr != nil {
		o.logger.Warn("store error reply failed",
			slog.String("op", string(frame.Op)),
			slog.String("error", sendErr.Error()))
	}
}
