package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"dcc-rpc/server"
)

// startEchoHost runs a host on an ephemeral port and returns its address.
func startEchoHost(t *testing.T) (string, int) {
	t.Helper()
	h := server.NewHost("test-host", "test")
	h.Handle("echo", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var msg string
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	})
	h.Handle("add", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args struct{ A, B int }
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, err
		}
		return args.A + args.B, nil
	})
	h.Handle("fail", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, errors.New("scene not loaded")
	})
	h.Handle("slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "done", nil
	})
	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)

	record := h.Record()
	return record.Host, record.Port
}

func dial(t *testing.T, host string, port int) *RPCClient {
	t.Helper()
	c := New(host, port)
	if err := c.Connect(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestConnectCallDisconnect(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	if !c.IsConnected() {
		t.Fatal("expect connected after Connect")
	}

	var reply string
	if err := c.Call(context.Background(), "echo", "hello", &reply); err != nil {
		t.Fatal(err)
	}
	if reply != "hello" {
		t.Fatalf("expect echo back, got %q", reply)
	}

	var sum int
	if err := c.Call(context.Background(), "add", map[string]int{"A": 2, "B": 3}, &sum); err != nil {
		t.Fatal(err)
	}
	if sum != 5 {
		t.Fatalf("expect 5, got %d", sum)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if c.IsConnected() {
		t.Fatal("expect disconnected after Disconnect")
	}
}

func TestPing(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	if err := c.Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestCallBeforeConnect(t *testing.T) {
	c := New("127.0.0.1", 1)
	if err := c.Call(context.Background(), "echo", "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
	if err := c.Ping(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
}

func TestCallAfterDisconnect(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Call(context.Background(), "echo", "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	_ = c.Disconnect()
	if err := c.Connect(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	var reply string
	if err := c.Call(context.Background(), "echo", "again", &reply); err != nil || reply != "again" {
		t.Fatalf("call after reconnect failed: %q %v", reply, err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	if err := c.Connect(2 * time.Second); err != nil {
		t.Fatalf("second Connect should be a no-op, got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close() // port is now free and refusing
	port, _ := strconv.Atoi(portStr)

	c := New("127.0.0.1", port)
	if err := c.Connect(time.Second); err == nil {
		_ = c.Disconnect()
		t.Fatal("expect connect to fail against a closed port")
	}
}

func TestRemoteError(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	err := c.Call(context.Background(), "fail", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "scene not loaded") {
		t.Fatalf("expect handler error to surface, got %v", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	err := c.Call(context.Background(), "no_such_method", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown method") {
		t.Fatalf("expect unknown-method error, got %v", err)
	}
}

func TestCallContextCancellation(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "slow", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
}

// Many calls share one connection; each response must land at its own caller.
func TestConcurrentCallsMultiplex(t *testing.T) {
	host, port := startEchoHost(t)
	c := dial(t, host, port)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("msg-%d", i)
			var reply string
			if err := c.Call(context.Background(), "echo", want, &reply); err != nil {
				errs <- err
				return
			}
			if reply != want {
				errs <- fmt.Errorf("cross-wired response: want %q, got %q", want, reply)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// Pings racing a connect/disconnect churn may fail, but must never panic or
// write to a connection another goroutine is tearing down.
func TestConcurrentConnectDisconnectAndPing(t *testing.T) {
	host, port := startEchoHost(t)
	c := New(host, port)
	defer c.Disconnect()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = c.Ping() // ErrNotConnected mid-churn is fine
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if err := c.Connect(time.Second); err != nil {
			t.Fatal(err)
		}
		_ = c.Disconnect()
	}
	close(stop)
	wg.Wait()
}

// A host dying mid-flight must fail waiting callers, not hang them.
func TestHostDeathFailsInFlightCalls(t *testing.T) {
	h := server.NewHost("dying-host", "test")
	h.Handle("hang", func(ctx context.Context, payload json.RawMessage) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	})
	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	record := h.Record()

	c := dial(t, record.Host, record.Port)

	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), "hang", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond) // let the call get on the wire
	_ = c.Disconnect()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expect in-flight call to fail when the connection drops")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call hung after disconnect")
	}
	h.Stop()
}
