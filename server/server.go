// Package server implements the host side: a wire-protocol listener that DCC
// processes embed, plus self-registration with the discovery layer.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Ping: answered inline with a Pong
//	  → Request: go dispatch (parallel) → handler → write response
//
// On Start the host builds a ServiceRecord for itself (resolved address, bound
// port, instance metadata) and registers it through every configured strategy
// kind; on Stop it unregisters from the same kinds before closing the
// listener, so discovery reflects the host's lifetime.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/user"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dcc-rpc/discovery"
	"dcc-rpc/wire"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandlerFunc processes one method call. Payload is the request's JSON args;
// the returned value is JSON-serialized into the response.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Host serves the wire protocol and keeps its discovery registration in sync
// with its lifecycle.
type Host struct {
	name     string
	category string
	metadata map[string]any
	handlers map[string]HandlerFunc

	registry *discovery.ServiceRegistry
	kinds    []string // strategy kinds to register with on Start

	listener net.Listener
	record   *discovery.ServiceRecord
	wg       sync.WaitGroup
	shutdown atomic.Bool
	log      *zap.Logger

	// Open connections, force-closed on Stop. A pooled client keeps its
	// connection open indefinitely, so shutdown cannot wait for peers to
	// hang up on their own.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithMetadata attaches caller metadata (version, scene, ...) to the host's
// ServiceRecord.
func WithMetadata(meta map[string]any) HostOption {
	return func(h *Host) {
		for k, v := range meta {
			h.metadata[k] = v
		}
	}
}

// WithRegistry wires the host to a ServiceRegistry and the strategy kinds it
// should register through on Start (e.g., file always, broadcast when the
// network allows it). Without this option the host serves but stays
// undiscoverable.
func WithRegistry(registry *discovery.ServiceRegistry, kinds ...string) HostOption {
	return func(h *Host) {
		h.registry = registry
		h.kinds = kinds
	}
}

// WithHostLogger sets the host's logger (default: no-op).
func WithHostLogger(l *zap.Logger) HostOption {
	return func(h *Host) { h.log = l }
}

// NewHost creates a host named name, serving the given category (e.g., a
// "maya" host named "maya-2022").
func NewHost(name, category string, opts ...HostOption) *Host {
	h := &Host{
		name:     name,
		category: category,
		metadata: make(map[string]any),
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle registers a method handler. Must be called before Start.
func (h *Host) Handle(method string, fn HandlerFunc) {
	h.handlers[method] = fn
}

// Start listens on addr (e.g., "127.0.0.1:0" for an ephemeral port),
// registers the host with the configured discovery strategies, and begins
// accepting connections. Registration failures are logged, not fatal — a host
// that cannot advertise is still reachable by explicit address.
func (h *Host) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.listener = ln

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return err
	}
	port, _ := strconv.Atoi(portStr)
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	h.record = discovery.NewServiceRecord(h.name, host, port, h.category, h.instanceMetadata())

	if h.registry != nil {
		for _, kind := range h.kinds {
			if _, err := h.registry.RegisterServiceWithStrategy(kind, h.record, false); err != nil {
				h.log.Warn("registration failed",
					zap.String("strategy", kind), zap.Error(err))
			}
		}
	}

	h.wg.Add(1)
	go h.acceptLoop()

	h.log.Info("host started",
		zap.String("name", h.name), zap.String("addr", h.record.Addr()))
	return nil
}

// Stop unregisters the host from discovery and closes the listener, waiting
// for connection goroutines to drain.
func (h *Host) Stop() {
	if h.shutdown.Swap(true) {
		return
	}

	if h.registry != nil && h.record != nil {
		for _, kind := range h.kinds {
			if _, err := h.registry.RegisterServiceWithStrategy(kind, h.record, true); err != nil {
				h.log.Warn("unregistration failed",
					zap.String("strategy", kind), zap.Error(err))
			}
		}
	}

	if h.listener != nil {
		_ = h.listener.Close()
	}

	// Closing the connections unblocks their readers; wg then drains the
	// accept loop, connection handlers, and any in-flight dispatches.
	h.connMu.Lock()
	for conn := range h.conns {
		_ = conn.Close()
	}
	h.connMu.Unlock()

	h.wg.Wait()
	h.log.Info("host stopped", zap.String("name", h.name))
}

// Record returns the ServiceRecord the host registered for itself (nil before
// Start).
func (h *Host) Record() *discovery.ServiceRecord {
	return h.record
}

// instanceMetadata merges caller metadata with the standard per-instance
// fields tooling expects to find on every record.
func (h *Host) instanceMetadata() map[string]any {
	meta := map[string]any{
		"instance_id": uuid.NewString(),
		"platform":    runtime.GOOS,
		"start_time":  time.Now().Format(time.RFC3339),
	}
	if u, err := user.Current(); err == nil {
		meta["user"] = u.Username
	}
	for k, v := range h.metadata {
		meta[k] = v
	}
	return meta
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.shutdown.Load() {
				return
			}
			h.log.Warn("accept failed", zap.Error(err))
			return
		}
		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

// handleConn reads frames from one connection. Requests are dispatched in
// parallel; a per-connection write mutex keeps response frames from
// interleaving.
func (h *Host) handleConn(conn net.Conn) {
	defer h.wg.Done()
	defer conn.Close()

	h.connMu.Lock()
	if h.shutdown.Load() {
		h.connMu.Unlock()
		return
	}
	h.conns[conn] = struct{}{}
	h.connMu.Unlock()
	defer func() {
		h.connMu.Lock()
		delete(h.conns, conn)
		h.connMu.Unlock()
	}()

	var writeMu sync.Mutex
	write := func(header *wire.Header, body []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wire.Encode(conn, header, body); err != nil {
			h.log.Debug("write failed", zap.Error(err))
		}
	}

	for {
		header, body, err := wire.Decode(conn)
		if err != nil {
			return // connection closed or stream corrupt
		}

		switch header.MsgType {
		case wire.MsgTypePing:
			write(&wire.Header{MsgType: wire.MsgTypePong, Seq: header.Seq}, nil)

		case wire.MsgTypeRequest:
			seq := header.Seq
			reqBody := body
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				respBody := h.dispatch(reqBody)
				write(&wire.Header{
					MsgType: wire.MsgTypeResponse,
					Seq:     seq,
					BodyLen: uint32(len(respBody)),
				}, respBody)
			}()

		default:
			// Response/Pong frames from a client make no sense; drop them.
		}
	}
}

// dispatch decodes one request envelope, runs the handler, and encodes the
// response envelope. Handler panics are not caught — a handler that panics is
// a bug in the embedding application, not a protocol condition.
func (h *Host) dispatch(body []byte) []byte {
	fail := func(err error) []byte {
		out, _ := wire.EncodeMessage(&wire.Message{Error: err.Error()})
		return out
	}

	msg, err := wire.DecodeMessage(body)
	if err != nil {
		return fail(fmt.Errorf("malformed request: %w", err))
	}

	handler, ok := h.handlers[msg.Method]
	if !ok {
		return fail(fmt.Errorf("unknown method %q", msg.Method))
	}

	result, err := handler(context.Background(), msg.Payload)
	if err != nil {
		return fail(err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fail(fmt.Errorf("unserializable response: %w", err))
	}
	out, _ := wire.EncodeMessage(&wire.Message{Method: msg.Method, Payload: payload})
	return out
}
