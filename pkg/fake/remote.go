package fake

import (
	"context"
	"sync"

	"github.com/cuemby/lifeguard/pkg/health"
)

// Remote answers health checks from a per-host table
type Remote struct {
	mu    sync.Mutex
	calls map[string]int

	// Results maps host to the answer it gives. Hosts not listed succeed.
	Results map[string]health.ExecResult
	// Errors maps host to a transport failure
	Errors map[string]error
}

// NewRemote returns a remote where every host succeeds
func NewRemote() *Remote {
	return &Remote{
		calls:   map[string]int{},
		Results: map[string]health.ExecResult{},
		Errors:  map[string]error{},
	}
}

// Fail makes host exit with code and stderr
func (r *Remote) Fail(host string, code int, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results[host] = health.ExecResult{ExitCode: code, Stderr: stderr}
}

func (r *Remote) Exec(_ context.Context, host, _ string) (health.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[host]++
	if err, ok := r.Errors[host]; ok {
		return health.ExecResult{}, err
	}
	if res, ok := r.Results[host]; ok {
		return res, nil
	}
	return health.ExecResult{Stdout: "ok"}, nil
}

// Calls returns how many times host was checked
func (r *Remote) Calls(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[host]
}
