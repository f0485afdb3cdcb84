// Package discovery implements service registration and discovery for DCC hosts.
//
// A running host (e.g., a Maya session with an embedded RPC server) registers a
// ServiceRecord describing where it is reachable; client tooling discovers those
// records back by category. Three pluggable backends (strategies) are provided:
//
//   - "file":      a JSON registry file shared between processes on one machine
//   - "broadcast": mDNS advertisement/browsing on the local network
//   - "etcd":      lease-based registration in an etcd cluster
//
// The ServiceRegistry orchestrator fans calls out to named strategies and keeps a
// merged cache of everything discovered so far.
package discovery

import (
	"fmt"
	"strings"
	"time"
)

// ServiceRecord describes one discovered service instance.
//
// (Category, Host, Port) is the effective identity for deduplication; Name is
// informational and may repeat. Records are never mutated after construction —
// re-registration builds a new record that replaces the old one.
type ServiceRecord struct {
	Name      string         `json:"name"`      // Display name, e.g., "maya-2022"
	Host      string         `json:"host"`      // Reachable address
	Port      int            `json:"port"`      // 1–65535
	Category  string         `json:"category"`  // Lowercased service type, e.g., "maya"
	Metadata  map[string]any `json:"metadata"`  // Open-ended: version, scene, user, ...
	Timestamp int64          `json:"timestamp"` // Registration/discovery time, unix seconds
}

// NewServiceRecord builds a record with the category normalized to lower case
// and the timestamp set to now. Metadata may be nil.
func NewServiceRecord(name, host string, port int, category string, metadata map[string]any) *ServiceRecord {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &ServiceRecord{
		Name:      name,
		Host:      host,
		Port:      port,
		Category:  strings.ToLower(category),
		Metadata:  metadata,
		Timestamp: time.Now().Unix(),
	}
}

// Key returns the composite cache key used by the ServiceRegistry.
func (r *ServiceRecord) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", r.Category, r.Name, r.Host, r.Port)
}

// Addr returns the dialable "host:port" form.
func (r *ServiceRecord) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Valid reports whether the record carries enough information to be dialed.
func (r *ServiceRecord) Valid() bool {
	return r.Host != "" && r.Port > 0 && r.Port <= 65535
}
