package server

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"dcc-rpc/discovery"
)

func newFileRegistry(t *testing.T) *discovery.ServiceRegistry {
	t.Helper()
	factory := discovery.NewFactory(discovery.FactoryConfig{
		RegistryPath: filepath.Join(t.TempDir(), "service_registry.json"),
	})
	t.Cleanup(factory.Reset)
	return discovery.NewServiceRegistry(factory)
}

func TestHostRegistersOnStart(t *testing.T) {
	registry := newFileRegistry(t)
	h := NewHost("maya-2022", "maya",
		WithMetadata(map[string]any{"version": "2022"}),
		WithRegistry(registry, discovery.KindFile))

	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	records, err := registry.DiscoverServices(discovery.KindFile, "maya")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expect host discoverable after Start, got %d records", len(records))
	}
	got := records[0]
	if got.Name != "maya-2022" || got.Port != h.Record().Port {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.Metadata["version"] != "2022" {
		t.Fatalf("caller metadata lost: %+v", got.Metadata)
	}
}

func TestHostUnregistersOnStop(t *testing.T) {
	registry := newFileRegistry(t)
	h := NewHost("maya-2022", "maya", WithRegistry(registry, discovery.KindFile))
	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	h.Stop()

	records, err := registry.DiscoverServices(discovery.KindFile, "maya")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("expect host gone after Stop, got %v", records)
	}
}

func TestHostRecordNormalizesWildcardAddress(t *testing.T) {
	h := NewHost("maya-2022", "maya")
	if err := h.Start(":0"); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	record := h.Record()
	if record.Host != "127.0.0.1" {
		t.Fatalf("wildcard bind must advertise a dialable address, got %q", record.Host)
	}
	if record.Port == 0 {
		t.Fatal("ephemeral port must be resolved to the bound one")
	}
}

func TestHostInstanceMetadata(t *testing.T) {
	h := NewHost("maya-2022", "maya", WithMetadata(map[string]any{"scene": "shot_010.ma"}))
	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	meta := h.Record().Metadata
	if meta["instance_id"] == "" || meta["instance_id"] == nil {
		t.Fatalf("expect instance_id, got %+v", meta)
	}
	if meta["platform"] == "" || meta["platform"] == nil {
		t.Fatalf("expect platform, got %+v", meta)
	}
	if meta["start_time"] == "" || meta["start_time"] == nil {
		t.Fatalf("expect start_time, got %+v", meta)
	}
	if meta["scene"] != "shot_010.ma" {
		t.Fatalf("caller metadata must survive the merge: %+v", meta)
	}
}

func TestHostStartWithoutRegistry(t *testing.T) {
	h := NewHost("standalone", "test")
	h.Handle("noop", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, nil
	})
	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	h.Stop()
}

// Pooled clients hold their connections open indefinitely; Stop must not wait
// for them to hang up.
func TestStopWithConnectedClient(t *testing.T) {
	h := NewHost("maya-2022", "maya")
	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", h.Record().Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the host pick the connection up

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung waiting for an idle client connection")
	}

	// The host side closed the connection; the client's next read sees EOF.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expect connection closed by the host")
	}
}

func TestHostStopIdempotent(t *testing.T) {
	h := NewHost("maya-2022", "maya")
	if err := h.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	h.Stop()
	h.Stop()
}

func TestDispatchUnknownMethod(t *testing.T) {
	h := NewHost("maya-2022", "maya")
	body, _ := json.Marshal(map[string]any{"method": "nope"})

	resp := h.dispatch(body)
	var msg struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Error == "" {
		t.Fatal("expect error envelope for unknown method")
	}
}

func TestDispatchMalformedBody(t *testing.T) {
	h := NewHost("maya-2022", "maya")
	resp := h.dispatch([]byte("not json"))
	var msg struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Error == "" {
		t.Fatal("expect error envelope for malformed body")
	}
}
