// Package system defines the lifecycle contract every component of the
// runtime (bus, store, egress gateway, supervisors, HTTP/gRPC servers)
// implements so the composition root can start and stop them uniformly.
package system

import (
	"context"

	"github.com/arwlocal/runtime/internal/app/core"
)

// Service represents a lifecycle-managed component. All application modules
// must implement this interface so the system manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}

// NoopService is a Service that does nothing; used where a component is
// configured out (e.g. the egress proxy when ARW_EGRESS_PROXY_ENABLE=0).
type NoopService struct {
	NameValue string
}

func (n NoopService) Name() string                      { return n.NameValue }
func (n NoopService) Start(ctx context.Context) error    { return nil }
func (n NoopService) Stop(ctx context.Context) error     { return nil }

var _ Service = NoopService{}
