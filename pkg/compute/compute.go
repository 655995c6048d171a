// Package compute is the boundary to the remote compute API of each zone.
package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/types"
)

// Client is the compute API of one zone. A VM returned by CreateVM may not
// show up in ListVMs right away.
type Client interface {
	ListVMs(ctx context.Context, includeTerminated bool) ([]*types.VM, error)
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	CreateVM(ctx context.Context, template string) (string, error)
	DestroyVM(ctx context.Context, id string) error
}

// Resolver returns the compute client of a zone
type Resolver interface {
	ClientFor(zone *types.Zone) (Client, error)
}

// ZoneResolver lazily builds one OpenNebula client per zone
type ZoneResolver struct {
	cfg     config.ComputeConfig
	mu      sync.Mutex
	clients map[int]Client
}

// NewZoneResolver creates a resolver using cfg for every client
func NewZoneResolver(cfg config.ComputeConfig) *ZoneResolver {
	return &ZoneResolver{cfg: cfg, clients: map[int]Client{}}
}

// ClientFor implements Resolver
func (r *ZoneResolver) ClientFor(zone *types.Zone) (Client, error) {
	if zone.ComputeEndpoint == "" {
		return nil, types.NewValidationError("zone %d has no compute endpoint", zone.Number)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[zone.Number]; ok {
		return c, nil
	}
	c := NewOpenNebula(zone.ComputeEndpoint, zone.SessionCredential, zone.Number, r.cfg)
	r.clients[zone.Number] = c
	return c, nil
}

// StaticResolver serves the same client for every zone
type StaticResolver struct {
	Client Client
}

// ClientFor implements Resolver
func (r StaticResolver) ClientFor(zone *types.Zone) (Client, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("no compute client for zone %d", zone.Number)
	}
	return r.Client, nil
}
