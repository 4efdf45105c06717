package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one inbound frame that is not a reply to a pending
// request. It runs on the channel's serve goroutine; long work should be
// handed off.
type Handler func(frame *Frame)

// Channel is a duplex, correlation-aware IPC endpoint over a Transport.
// Outbound requests register a pending continuation keyed by frame ID;
// the first matching reply or the request timeout wins, and the loser's
// bookkeeping is discarded so double resolution is impossible.
type Channel struct {
	transport Transport
	codec     Codec
	logger    *slog.Logger

	// pending maps outstanding request frame IDs to their reply channels.
	pending sync.Map

	closeOnce sync.Once
	closed    chan struct{}
}

// DefaultRequestTimeout bounds a correlated request when the caller's
// context carries no deadline.
const DefaultRequestTimeout = 30 * time.Second

// NewChannel creates a channel over the given transport and codec.
func NewChannel(transport Transport, codec Codec, logger *slog.Logger) *Channel {
	if codec == nil {
		codec = &JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		transport: transport,
		codec:     codec,
		logger:    logger,
		closed:    make(chan struct{}),
	}
}

// Send writes a frame without expecting a reply.
func (c *Channel) Send(frame *Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("ipc: encode %s frame: %w", frame.Op, err)
	}
	return c.transport.Send(data)
}

// Notify builds and sends a fire-and-forget frame.
func (c *Channel) Notify(op Op, payload any) error {
	frame, err := NewFrame(op, payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal %s payload: %w", op, err)
	}
	return c.Send(frame)
}

// Request sends a frame and blocks until the correlated reply, the
// context, or the default timeout, whichever resolves first.
func (c *Channel) Request(ctx context.Context, op Op, payload any) (*Frame, error) {
	frame, err := NewFrame(op, payload)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal %s payload: %w", op, err)
	}

	ch := make(chan *Frame, 1)
	c.pending.Store(frame.ID, ch)
	defer c.pending.Delete(frame.ID)

	if err := c.Send(frame); err != nil {
		return nil, err
	}

	timeout := DefaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply, reply.Error
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("ipc: %s request timed out after %s", op, timeout)
	case <-c.closed:
		return nil, ErrTransportClosed
	}
}

// Reply answers a request frame with a return frame carrying data.
func (c *Channel) Reply(req *Frame, data any) error {
	frame, err := NewReturnFrame(req.ID, data)
	if err != nil {
		return fmt.Errorf("ipc: marshal reply to %s: %w", req.Op, err)
	}
	return c.Send(frame)
}

// ReplyError answers a request frame with a reconstructable error.
func (c *Channel) ReplyError(req *Frame, werr *WireError) error {
	return c.Send(NewErrorFrame(req.ID, werr))
}

// Serve reads frames until the transport closes or ctx is cancelled.
// Replies matching a pending request resolve it; a late reply whose
// bookkeeping is gone is silently dropped. Everything else goes to
// handler.
func (c *Channel) Serve(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		data, err := c.transport.Recv()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("ipc: recv: %w", err)
		}

		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			c.logger.Warn("dropping undecodable frame", slog.String("error", decErr.Error()))
			continue
		}

		if frame.CorrelID != "" {
			if val, ok := c.pending.LoadAndDelete(frame.CorrelID); ok {
				val.(chan *Frame) <- frame
				continue
			}
			if frame.Op == OpReturn {
				// Loser of a timeout race; bookkeeping is gone.
				c.logger.Debug("dropping late reply", slog.String("correl_id", frame.CorrelID))
				continue
			}
		}

		handler(frame)
	}
}

// Close shuts the channel down and closes the transport. Pending
// requests fail with ErrTransportClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.transport.Close()
	})
	return err
}
