package gbx

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Transport-level failures. Both are fatal for the connection; the
// controller converts them into a process-level exit.
var (
	// ErrConnectionLost fails every in-flight call when the transport
	// breaks down.
	ErrConnectionLost = errors.New("gbx: connection lost")

	// ErrTimeout fails a single call whose deadline expired. The
	// connection stays healthy; a late response is discarded.
	ErrTimeout = errors.New("gbx: call timed out")
)

const (
	// defaultCallTimeout bounds how long a caller waits for the
	// response to one call.
	defaultCallTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write. A stalled write means
	// the connection is beyond saving.
	writeTimeout = 1 * time.Second

	// maxHandle is the largest usable outbound handle; the next
	// allocation wraps back to 1.
	maxHandle = 0x7fff_ffff
)

// Callback is a raw callback pushed by the server, before
// normalization into typed events.
type Callback struct {
	Name string
	Args []Value
}

// response is what a waiter receives: a decoded value or a fault.
type response struct {
	value Value
	fault *Fault
}

// Client is the XML-RPC client to the game server. It owns the single
// TCP connection: one background goroutine reads frames and routes
// them, writes are serialized by a mutex. Callers may invoke
// concurrently; per caller, responses arrive in the order awaited.
type Client struct {
	conn net.Conn

	callTimeout time.Duration

	writeMu sync.Mutex

	mu         sync.Mutex
	nextHandle uint32
	pending    map[uint32]chan response
	tombstones map[uint32]struct{}
	fatal      error
	closed     bool

	// Callbacks are buffered in an unbounded queue between the reader
	// and the public channel, so a slow consumer can never stall the
	// reader and with it every pending response.
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []Callback
	queueDone bool

	callbacks chan Callback
	done      chan struct{}
}

// Dial connects to the game server's XML-RPC port and verifies the
// protocol banner. On success the background reader is running and
// Callbacks() delivers pushed callbacks in on-wire order.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := readHandshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	conn.SetReadDeadline(time.Time{})

	return newClient(conn), nil
}

// newClient wraps an already-handshaken connection.
func newClient(conn net.Conn) *Client {
	c := &Client{
		conn:        conn,
		callTimeout: defaultCallTimeout,
		nextHandle:  0,
		pending:     make(map[uint32]chan response),
		tombstones:  make(map[uint32]struct{}),
		callbacks:   make(chan Callback),
		done:        make(chan struct{}),
	}
	c.queueCond = sync.NewCond(&c.queueMu)
	go c.readLoop()
	go c.pumpCallbacks()
	return c
}

// Callbacks returns the channel of raw callbacks. It is closed when
// the connection fails; delivery order equals on-wire order.
func (c *Client) Callbacks() <-chan Callback {
	return c.callbacks
}

// Err returns the fatal connection error, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Close tears down the connection and fails all in-flight calls.
func (c *Client) Close() error {
	c.fail(ErrConnectionLost)
	return nil
}

// SetCallTimeout overrides the per-call response deadline.
func (c *Client) SetCallTimeout(d time.Duration) {
	c.callTimeout = d
}

// Invoke makes one XML-RPC call and waits for its response. It
// returns the decoded value, a *Fault for fault responses, ErrTimeout
// when the deadline expires, or ErrConnectionLost when the transport
// fails mid-call.
func (c *Client) Invoke(ctx context.Context, method string, args ...Value) (Value, error) {
	handle, waiter, err := c.register()
	if err != nil {
		return Value{}, err
	}

	payload := EncodeCall(Call{Method: method, Args: args})

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	writeErr := writeFrame(c.conn, handle, payload)
	c.conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	if writeErr != nil {
		// A failed or expired write leaves the stream in an undefined
		// state; the whole connection is failed.
		c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, writeErr))
		return Value{}, ErrConnectionLost
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok {
			return Value{}, ErrConnectionLost
		}
		if resp.fault != nil {
			return Value{}, resp.fault
		}
		return resp.value, nil

	case <-timer.C:
		c.tombstone(handle)
		return Value{}, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.callTimeout)

	case <-ctx.Done():
		c.tombstone(handle)
		return Value{}, ctx.Err()

	case <-c.done:
		return Value{}, ErrConnectionLost
	}
}

// register allocates the next 31-bit handle and a waiter for it.
func (c *Client) register() (uint32, chan response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return 0, nil, ErrConnectionLost
	}

	c.nextHandle++
	if c.nextHandle > maxHandle {
		c.nextHandle = 1
	}
	handle := c.nextHandle

	waiter := make(chan response, 1)
	c.pending[handle] = waiter
	return handle, waiter, nil
}

// tombstone cancels the waiter for a handle. A late response for a
// tombstoned handle is discarded instead of routed.
func (c *Client) tombstone(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[handle]; ok {
		delete(c.pending, handle)
		c.tombstones[handle] = struct{}{}
	}
}

// fail marks the connection dead exactly once: all in-flight waiters
// are failed and the callback channel is closed.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.fatal = err
	pending := c.pending
	c.pending = make(map[uint32]chan response)
	c.mu.Unlock()

	c.conn.Close()
	for _, waiter := range pending {
		close(waiter)
	}
	close(c.done)

	c.queueMu.Lock()
	c.queueDone = true
	c.queueMu.Unlock()
	c.queueCond.Signal()
}

// enqueueCallback appends to the unbounded callback queue.
func (c *Client) enqueueCallback(cb Callback) {
	c.queueMu.Lock()
	c.queue = append(c.queue, cb)
	c.queueMu.Unlock()
	c.queueCond.Signal()
}

// pumpCallbacks feeds queued callbacks to the public channel in FIFO
// order, and closes the channel once the connection failed and the
// queue drained.
func (c *Client) pumpCallbacks() {
	for {
		c.queueMu.Lock()
		for len(c.queue) == 0 && !c.queueDone {
			c.queueCond.Wait()
		}
		if len(c.queue) == 0 && c.queueDone {
			c.queueMu.Unlock()
			close(c.callbacks)
			return
		}
		cb := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.callbacks <- cb
	}
}

// readLoop consumes framed messages until the transport fails. Each
// callback frame goes to the callback channel; each response frame is
// delivered to the waiter registered under its handle.
func (c *Client) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		if f.isCallback() {
			call, err := DecodeCall(f.payload)
			if err != nil {
				// Undecodable frames are protocol errors, fatal.
				c.fail(fmt.Errorf("%w: decoding callback: %v", ErrConnectionLost, err))
				return
			}
			c.enqueueCallback(Callback{Name: call.Method, Args: call.Args})
			continue
		}

		value, err := DecodeResponse(f.payload)
		var fault *Fault
		if err != nil {
			if !errors.As(err, &fault) {
				c.fail(fmt.Errorf("%w: decoding response: %v", ErrConnectionLost, err))
				return
			}
		}

		c.mu.Lock()
		waiter, ok := c.pending[f.handle]
		if ok {
			delete(c.pending, f.handle)
		} else if _, dead := c.tombstones[f.handle]; dead {
			delete(c.tombstones, f.handle)
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		if !ok {
			log.Printf("gbx: discarding response for unknown handle %d", f.handle)
			continue
		}
		waiter <- response{value: value, fault: fault}
	}
}
