package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Transport moves opaque frame bytes between an orchestrator and one
// worker process. Implementations must deliver messages whole and in
// order; they need not be safe for concurrent Send (Channel serializes).
type Transport interface {
	// Send writes one message.
	Send(data []byte) error

	// Recv blocks until the next message or transport closure.
	Recv() ([]byte, error)

	// Close tears the transport down; a blocked Recv returns an error.
	Close() error
}

// maxFrameSize bounds a single IPC message. Central API responses carry
// file payloads, so this is generous.
const maxFrameSize = 64 << 20

// PipeTransport frames messages over a byte stream pair (the worker's
// stdio pipes) with a 4-byte big-endian length prefix.
type PipeTransport struct {
	r io.Reader
	w io.Writer

	closer func() error
	wmu    sync.Mutex
}

// NewPipeTransport wraps a reader/writer pair. closer, if non-nil, is
// invoked by Close (used to close the underlying pipe FDs).
func NewPipeTransport(r io.Reader, w io.Writer, closer func() error) *PipeTransport {
	return &PipeTransport{r: r, w: w, closer: closer}
}

// Send writes one length-prefixed message.
func (t *PipeTransport) Send(data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("ipc: frame of %d bytes exceeds limit", len(data))
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := t.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("ipc: write frame length: %w", err)
	}
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed message.
func (t *PipeTransport) Recv() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(t.r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(t.r, data); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}
	return data, nil
}

// Close closes the underlying pipe pair.
func (t *PipeTransport) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}

// ErrTransportClosed is returned by Recv after Close.
var ErrTransportClosed = errors.New("ipc: transport closed")

// memTransport is one end of an in-process duplex transport.
type memTransport struct {
	in  chan []byte
	out chan []byte

	closeOnce *sync.Once
	closed    chan struct{}
}

// Pipe returns a connected in-process transport pair. Messages sent on
// one end arrive at the other; closing either end closes both. Used by
// tests and by in-binary workers.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &memTransport{in: ba, out: ab, closed: closed, closeOnce: once}
	b := &memTransport{in: ab, out: ba, closed: closed, closeOnce: once}
	return a, b
}

func (t *memTransport) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.out <- buf:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}

func (t *memTransport) Recv() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		// Drain anything already queued before reporting closure.
		select {
		case data := <-t.in:
			return data, nil
		default:
			return nil, ErrTransportClosed
		}
	}
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
