// Package inventory loads consistent snapshots of a pool and joins its
// memberships with the VMs reported by the compute API.
package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/lifeguard/pkg/analyzer"
	"github.com/cuemby/lifeguard/pkg/compute"
	"github.com/cuemby/lifeguard/pkg/dns"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/template"
	"github.com/cuemby/lifeguard/pkg/types"
)

// Snapshot is a pool with its placement and members, read in one go
type Snapshot struct {
	Zone    *types.Zone
	Cluster *types.Cluster
	Pool    *types.Pool
	Members []*types.Membership
}

// Load reads the pool and everything it depends on
func Load(ctx context.Context, r storage.Reader, poolID string) (*Snapshot, error) {
	pool, err := r.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	zone, err := r.GetZone(ctx, pool.ZoneNumber)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Name, err)
	}
	cluster, err := r.GetCluster(ctx, pool.ZoneNumber, pool.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Name, err)
	}
	members, err := r.ListMembers(ctx, pool.ID)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Name, err)
	}
	return &Snapshot{Zone: zone, Cluster: cluster, Pool: pool, Members: members}, nil
}

// Renderer returns the template renderer of the pool
func (s *Snapshot) Renderer() *template.Renderer {
	return template.NewRenderer(s.Zone, s.Cluster, s.Pool)
}

// Render is an analyzer.RenderFunc over the snapshot
func (s *Snapshot) Render(hostname string) (string, error) {
	return s.Renderer().Render(hostname)
}

// Member returns the membership of vmID
func (s *Snapshot) Member(vmID string) (*types.Membership, bool) {
	for _, m := range s.Members {
		if m.VMID == vmID {
			return m, true
		}
	}
	return nil, false
}

// Cache lists the VMs of each zone at most once until invalidated
type Cache struct {
	resolver compute.Resolver

	mu  sync.Mutex
	vms map[int]map[string]*types.VM
}

// NewCache creates an empty cache
func NewCache(resolver compute.Resolver) *Cache {
	return &Cache{resolver: resolver, vms: map[int]map[string]*types.VM{}}
}

// VMs returns every VM of zone, terminated ones included, keyed by ID
func (c *Cache) VMs(ctx context.Context, zone *types.Zone) (map[string]*types.VM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vms, ok := c.vms[zone.Number]; ok {
		return vms, nil
	}
	client, err := c.resolver.ClientFor(zone)
	if err != nil {
		return nil, err
	}
	list, err := client.ListVMs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list VMs of zone %d: %w", zone.Number, err)
	}
	vms := make(map[string]*types.VM, len(list))
	for _, vm := range list {
		vms[vm.ID] = vm
	}
	c.vms[zone.Number] = vms
	return vms, nil
}

// Invalidate drops the cached VMs of a zone
func (c *Cache) Invalidate(zoneNumber int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vms, zoneNumber)
}

// Reset drops every cached zone
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vms = map[int]map[string]*types.VM{}
}

// MemberView is a membership joined with its VM, which is nil when the
// compute API does not know it
type MemberView struct {
	*types.Membership
	VM *types.VM
}

// Members joins the snapshot members with their VMs
func (c *Cache) Members(ctx context.Context, s *Snapshot) ([]MemberView, error) {
	vms, err := c.VMs(ctx, s.Zone)
	if err != nil {
		return nil, err
	}
	views := make([]MemberView, 0, len(s.Members))
	for _, m := range s.Members {
		views = append(views, MemberView{Membership: m, VM: vms[m.VMID]})
	}
	return views, nil
}

// Counters tallies the drift of the snapshot
func (c *Cache) Counters(ctx context.Context, s *Snapshot) (analyzer.Counters, error) {
	vms, err := c.VMs(ctx, s.Zone)
	if err != nil {
		return analyzer.Counters{}, err
	}
	return analyzer.Count(s.Members, s.Render, vms)
}

// DNSMembers returns the live members with the address the compute API
// reports for them
func (c *Cache) DNSMembers(ctx context.Context, s *Snapshot) ([]dns.Member, error) {
	views, err := c.Members(ctx, s)
	if err != nil {
		return nil, err
	}
	members := make([]dns.Member, 0, len(views))
	for _, v := range views {
		if v.VM != nil && v.VM.Terminated() {
			continue
		}
		m := dns.Member{Name: v.Name}
		if v.VM != nil {
			m.IP = v.VM.IP
		}
		members = append(members, m)
	}
	return members, nil
}
