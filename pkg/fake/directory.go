package fake

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Directory is an in-memory name-service directory
type Directory struct {
	mu  sync.Mutex
	a   map[string]map[string]bool
	ptr map[string]map[string]bool

	// FailUpdates makes every mutation fail
	FailUpdates bool
	Updates     int
}

// NewDirectory returns an empty directory
func NewDirectory() *Directory {
	return &Directory{
		a:   map[string]map[string]bool{},
		ptr: map[string]map[string]bool{},
	}
}

var errUpdateRefused = errors.New("update refused")

func keys(m map[string]bool) []string {
	out := []string{}
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetA seeds name with ips
func (d *Directory) SetA(name string, ips ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.a[name] = map[string]bool{}
	for _, ip := range ips {
		d.a[name][ip] = true
	}
}

// SetPTR seeds the reverse names of ip
func (d *Directory) SetPTR(ip string, names ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ptr[ip] = map[string]bool{}
	for _, n := range names {
		d.ptr[ip][n] = true
	}
}

func (d *Directory) LookupA(_ context.Context, name string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return keys(d.a[name]), nil
}

func (d *Directory) LookupPTR(_ context.Context, ip string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return keys(d.ptr[ip]), nil
}

func (d *Directory) mutate(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailUpdates {
		return errUpdateRefused
	}
	d.Updates++
	fn()
	return nil
}

func (d *Directory) AddA(_ context.Context, name, ip string) error {
	return d.mutate(func() {
		if d.a[name] == nil {
			d.a[name] = map[string]bool{}
		}
		d.a[name][ip] = true
	})
}

func (d *Directory) DeleteA(_ context.Context, name, ip string) error {
	return d.mutate(func() { delete(d.a[name], ip) })
}

func (d *Directory) ReplaceA(_ context.Context, name, ip string) error {
	return d.mutate(func() { d.a[name] = map[string]bool{ip: true} })
}

func (d *Directory) ReplacePTR(_ context.Context, ip, name string) error {
	return d.mutate(func() { d.ptr[ip] = map[string]bool{name: true} })
}
