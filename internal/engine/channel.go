package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/seantiz/vesper/internal/protocol"
)

var (
	// ErrChannelClosed is returned for calls on, or pending on, a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrRemote wraps an error reported by the other end of a channel.
	ErrRemote = errors.New("remote error")
)

// Handler answers an incoming call. The returned value is JSON-encoded as
// the reply result. Handlers run on the channel's read loop, so they must not
// Call back over the same channel.
type Handler func(ctx context.Context, method string, args json.RawMessage) (any, error)

// Channel is a bidirectional method channel over a framed connection. Writes
// are serialized; a single goroutine runs Serve.
type Channel struct {
	rwc io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan protocol.Message
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel wraps rwc. The channel owns rwc and closes it on Close.
func NewChannel(rwc io.ReadWriteCloser) *Channel {
	return &Channel{
		rwc:     rwc,
		pending: make(map[uint64]chan protocol.Message),
		done:    make(chan struct{}),
	}
}

// Done is closed when the channel has been closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Invoke sends a call that expects no reply.
func (c *Channel) Invoke(method string, args any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	if c.isClosed() {
		return fmt.Errorf("invoke %s: %w", method, ErrChannelClosed)
	}
	return c.write(protocol.Message{V: protocol.Version, Kind: protocol.KindCall, Method: method, Args: raw})
}

// InvokeContext is Invoke bounded by ctx. If ctx ends before the frame is
// written the channel is closed, because a partly written frame leaves the
// stream unusable, and the error wraps ctx.Err().
func (c *Channel) InvokeContext(ctx context.Context, method string, args any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	if c.isClosed() {
		return fmt.Errorf("invoke %s: %w", method, ErrChannelClosed)
	}

	msg := protocol.Message{V: protocol.Version, Kind: protocol.KindCall, Method: method, Args: raw}
	written := make(chan error, 1)
	go func() {
		written <- c.write(msg)
	}()

	select {
	case err := <-written:
		if err != nil {
			return fmt.Errorf("invoke %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		// Closing the connection unblocks the pending write.
		c.Close()
		return fmt.Errorf("invoke %s: %w", method, ctx.Err())
	}
}

// Call sends a call and waits for its reply, the context to end, or the
// channel to close.
func (c *Channel) Call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", method, ErrChannelClosed)
	}
	c.nextID++
	id := c.nextID
	replyCh := make(chan protocol.Message, 1)
	c.pending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := protocol.Message{V: protocol.Version, Kind: protocol.KindCall, ID: id, Method: method, Args: raw}
	if err := c.write(msg); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return nil, fmt.Errorf("call %s: %w: %s", method, ErrRemote, reply.Error)
		}
		return reply.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("call %s: %w", method, ErrChannelClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("call %s: %w", method, ctx.Err())
	}
}

// Serve reads frames until the connection fails or the channel is closed,
// dispatching calls to h and routing replies to pending Calls. The channel is
// closed when Serve returns. A clean end of stream returns nil.
func (c *Channel) Serve(ctx context.Context, h Handler) error {
	defer c.Close()

	for {
		var msg protocol.Message
		if err := protocol.ReadMessage(c.rwc, &msg); err != nil {
			if errors.Is(err, io.EOF) || c.isClosed() {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if msg.V != protocol.Version {
			return fmt.Errorf("unsupported message version %d", msg.V)
		}

		switch msg.Kind {
		case protocol.KindReply:
			c.mu.Lock()
			replyCh, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				select {
				case replyCh <- msg:
				default:
				}
			}
		case protocol.KindCall:
			c.dispatch(ctx, h, msg)
		default:
			return fmt.Errorf("unknown message kind: %q", msg.Kind)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, h Handler, msg protocol.Message) {
	var (
		result any
		err    error
	)
	if h == nil {
		err = fmt.Errorf("%q: %w", msg.Method, protocol.ErrUnknownMethod)
	} else {
		result, err = h(ctx, msg.Method, msg.Args)
	}
	if msg.ID == 0 {
		return
	}

	reply := protocol.Message{V: protocol.Version, Kind: protocol.KindReply, ID: msg.ID}
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			reply.Error = fmt.Sprintf("marshal result: %v", mErr)
		} else {
			reply.Result = raw
		}
	}
	// The peer may already be gone; a failed reply is not an error for the
	// read loop.
	_ = c.write(reply)
}

// Close closes the underlying connection and fails pending calls.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) write(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteMessage(c.rwc, msg); err != nil {
		if c.isClosed() {
			return ErrChannelClosed
		}
		return err
	}
	return nil
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal args: %w", err)
		}
		return raw, nil
	}
}
