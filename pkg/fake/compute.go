package fake

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/cuemby/lifeguard/pkg/types"
)

// Compute is an in-memory compute API for one zone
type Compute struct {
	mu       sync.Mutex
	vms      map[string]*types.VM
	clusters []*types.Cluster
	nextID   int

	// Created holds every template passed to CreateVM, in order
	Created []string
	// Destroyed holds every id passed to DestroyVM, in order
	Destroyed []string

	// FailCreate is returned by CreateVM when set
	FailCreate error
	// FailCreateAfter lets that many creates succeed before FailCreate applies
	FailCreateAfter int
	// FailDestroy is returned by DestroyVM when set
	FailDestroy error

	// NameOf derives the VM name from its template. Defaults to
	// TemplateHostname.
	NameOf func(template string) string
}

// NewCompute returns an empty compute API whose ids start at 100
func NewCompute() *Compute {
	return &Compute{vms: map[string]*types.VM{}, nextID: 100}
}

// AddVM seeds a VM
func (c *Compute) AddVM(vm *types.VM) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *vm
	c.vms[vm.ID] = &copied
}

// AddCluster seeds a cluster
func (c *Compute) AddCluster(cluster *types.Cluster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clusters = append(c.clusters, cluster)
}

func (c *Compute) ListVMs(_ context.Context, includeTerminated bool) ([]*types.VM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := []*types.VM{}
	for _, vm := range c.vms {
		if vm.Terminated() && !includeTerminated {
			continue
		}
		copied := *vm
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Compute) ListClusters(context.Context) ([]*types.Cluster, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Cluster(nil), c.clusters...), nil
}

func (c *Compute) CreateVM(_ context.Context, template string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailCreate != nil && len(c.Created) >= c.FailCreateAfter {
		return "", &types.ProvisioningError{Op: "create", Err: c.FailCreate}
	}

	id := fmt.Sprint(c.nextID)
	c.nextID++
	c.Created = append(c.Created, template)

	name := TemplateHostname(template)
	if c.NameOf != nil {
		name = c.NameOf(template)
	}
	c.vms[id] = &types.VM{ID: id, Name: name, IP: fmt.Sprintf("10.0.1.%d", c.nextID%250), StateID: 3}
	return id, nil
}

func (c *Compute) DestroyVM(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailDestroy != nil {
		return &types.ProvisioningError{Op: "destroy", VMID: id, Err: c.FailDestroy}
	}
	c.Destroyed = append(c.Destroyed, id)
	if vm, ok := c.vms[id]; ok {
		vm.StateID = 6
	}
	return nil
}

// Calls returns how many creates and destroys were issued
func (c *Compute) Calls() (creates, destroys int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Created), len(c.Destroyed)
}

var nameLine = regexp.MustCompile(`NAME = "([^"]+)"`)

// TemplateHostname returns the NAME of a template rendered from PoolTemplate,
// or the whole text when there is none
func TemplateHostname(template string) string {
	if m := nameLine.FindStringSubmatch(template); m != nil {
		return m[1]
	}
	return template
}

// AddMembers seeds one running VM per membership, addressed 10.0.0.<i>
func (c *Compute) AddMembers(members []*types.Membership) {
	for i, m := range members {
		c.AddVM(&types.VM{ID: m.VMID, Name: m.Name, IP: fmt.Sprintf("10.0.0.%d", i+1), StateID: 3})
	}
}
