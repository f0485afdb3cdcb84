// Package client implements the connection handle used to talk to one DCC host.
//
// Client is the capability set the pool and registry depend on — connect,
// is-connected, ping, disconnect, call — and RPCClient is the standard
// implementation over a single multiplexed TCP connection: every in-flight
// call gets a sequence number, and a background recvLoop routes each incoming
// response frame to the matching caller's channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dcc-rpc/wire"

	"go.uber.org/zap"
)

// Client is the capability set a pooled connection must provide. The pool
// performs no runtime probing — any implementation satisfies the whole set.
type Client interface {
	// Connect dials (or re-dials) the host, bounded by timeout.
	Connect(timeout time.Duration) error
	// IsConnected reports whether the handle currently has a live connection.
	IsConnected() bool
	// Ping probes liveness: a connected-but-unresponsive host returns an error.
	Ping() error
	// Disconnect closes the connection. Idempotent.
	Disconnect() error
	// Call invokes a remote method, JSON-serializing args and deserializing
	// the response into reply (reply may be nil to discard it).
	Call(ctx context.Context, method string, args, reply any) error
}

// ErrNotConnected is returned by Call and Ping on a disconnected handle.
var ErrNotConnected = errors.New("client is not connected")

// defaultPingTimeout bounds how long Ping waits for the pong frame.
const defaultPingTimeout = 2 * time.Second

// RPCClient is the standard Client over the wire protocol.
type RPCClient struct {
	addr string
	log  *zap.Logger

	mu        sync.Mutex // guards conn during Connect/Disconnect
	conn      net.Conn
	connected atomic.Bool

	seq     uint32     // sequence counter (atomic)
	pending sync.Map   // seq → chan *wire.Message, one waiter per in-flight frame
	sending sync.Mutex // serializes frame writes so header+body never interleave

	pingTimeout time.Duration
}

// Option configures an RPCClient.
type Option func(*RPCClient)

// WithLogger sets the client's logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
	return func(c *RPCClient) { c.log = l }
}

// WithPingTimeout overrides how long Ping waits for a pong (default 2s).
func WithPingTimeout(d time.Duration) Option {
	return func(c *RPCClient) { c.pingTimeout = d }
}

// New creates a handle for the host at host:port. It does not dial —
// call Connect, or let the pool do it.
func New(host string, port int, opts ...Option) *RPCClient {
	c := &RPCClient{
		addr:        fmt.Sprintf("%s:%d", host, port),
		log:         zap.NewNop(),
		pingTimeout: defaultPingTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the host:port this handle dials.
func (c *RPCClient) Addr() string {
	return c.addr
}

// Connect dials the host and starts the receive loop. Calling Connect on an
// already-connected handle is a no-op; calling it after a disconnect re-dials,
// which is how the pool transparently revives a dead entry.
func (c *RPCClient) Connect(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.addr, timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.addr, err)
	}
	c.conn = conn
	c.connected.Store(true)
	go c.recvLoop(conn)

	c.log.Debug("connected", zap.String("addr", c.addr))
	return nil
}

// IsConnected reports whether the receive loop is still attached to a live
// connection.
func (c *RPCClient) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect closes the connection; the receive loop notices and fails any
// in-flight calls. Idempotent.
func (c *RPCClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Swap(false) {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.log.Debug("disconnected", zap.String("addr", c.addr))
	return err
}

// Call sends a Request frame and waits for the matching Response, honoring
// ctx for cancellation.
func (c *RPCClient) Call(ctx context.Context, method string, args, reply any) error {
	var payload json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return err
		}
		payload = data
	}

	body, err := wire.EncodeMessage(&wire.Message{Method: method, Payload: payload})
	if err != nil {
		return err
	}

	seq, respChan, err := c.send(wire.MsgTypeRequest, body)
	if err != nil {
		return err
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return fmt.Errorf("remote error: %s", resp.Error)
		}
		if reply != nil && len(resp.Payload) > 0 {
			return json.Unmarshal(resp.Payload, reply)
		}
		return nil
	case <-ctx.Done():
		c.pending.Delete(seq)
		return ctx.Err()
	}
}

// Ping sends a ping frame and waits for the pong. An error means the handle
// is connected-but-unresponsive and must be treated as invalid.
func (c *RPCClient) Ping() error {
	seq, respChan, err := c.send(wire.MsgTypePing, nil)
	if err != nil {
		return err
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return fmt.Errorf("ping failed: %s", resp.Error)
		}
		return nil
	case <-time.After(c.pingTimeout):
		c.pending.Delete(seq)
		return fmt.Errorf("ping timed out after %s", c.pingTimeout)
	}
}

// send writes one frame and registers a response channel for its sequence.
// The channel is registered BEFORE writing so a fast response can't race the
// registration.
func (c *RPCClient) send(msgType wire.MsgType, body []byte) (uint32, <-chan *wire.Message, error) {
	if !c.connected.Load() {
		return 0, nil, ErrNotConnected
	}

	seq := atomic.AddUint32(&c.seq, 1)
	header := &wire.Header{
		MsgType: msgType,
		Seq:     seq,
		BodyLen: uint32(len(body)),
	}

	respChan := make(chan *wire.Message, 1) // buffered so recvLoop never blocks

	// The sending mutex keeps header+body writes atomic across goroutines;
	// interleaved frames would corrupt the stream. conn itself is guarded by
	// c.mu, the same lock Connect/Disconnect write it under.
	c.sending.Lock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.sending.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.pending.Store(seq, respChan)
	err := wire.Encode(conn, header, body)
	c.sending.Unlock()

	if err != nil {
		c.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// recvLoop reads frames until the connection breaks, routing each Response or
// Pong to the waiter registered under its sequence number.
func (c *RPCClient) recvLoop(conn net.Conn) {
	for {
		header, body, err := wire.Decode(conn)
		if err != nil {
			c.connected.Store(false)
			c.failAllPending(err)
			return
		}

		var msg *wire.Message
		switch header.MsgType {
		case wire.MsgTypePong:
			msg = &wire.Message{}
		case wire.MsgTypeResponse:
			msg, err = wire.DecodeMessage(body)
			if err != nil {
				msg = &wire.Message{Error: err.Error()}
			}
		default:
			continue // hosts don't send requests or pings to clients
		}

		if waiter, ok := c.pending.LoadAndDelete(header.Seq); ok {
			waiter.(chan *wire.Message) <- msg
		}
	}
}

// failAllPending wakes every in-flight caller with the connection error so
// nobody blocks forever on a dead connection.
func (c *RPCClient) failAllPending(err error) {
	c.pending.Range(func(key, value any) bool {
		value.(chan *wire.Message) <- &wire.Message{Error: err.Error()}
		c.pending.Delete(key)
		return true
	})
}
