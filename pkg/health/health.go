package health

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/cuemby/lifeguard/pkg/types"
)

// ExecResult is the raw outcome of one remote command
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Remote executes a single command on a single host. Implementations must
// stop waiting once ctx is done and report TimedOut instead of an error.
type Remote interface {
	Exec(ctx context.Context, host, command string) (ExecResult, error)
}

// Result is the outcome of one diagnostic attempt
type Result struct {
	Host        string
	Command     string
	Started     time.Time
	Finished    time.Time
	Stdout      string
	Stderr      string
	ExitCode    int
	Interrupted bool
}

// Succeeded reports whether the command exited 0 within its timeout
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.Interrupted
}

// Diagnostic runs one bounded command against one host
type Diagnostic struct {
	Remote  Remote
	Host    string
	Command string
	Timeout time.Duration
	Clock   clock.Clock
}

// Run executes the command once. A non-zero exit, a timeout or a transport
// failure is returned as a TransientInfraError alongside the captured result.
func (d *Diagnostic) Run(ctx context.Context) (Result, error) {
	clk := d.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	execCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	res := Result{Host: d.Host, Command: d.Command, Started: clk.Now()}
	out, err := d.Remote.Exec(execCtx, d.Host, d.Command)
	res.Finished = clk.Now()
	if err != nil {
		res.ExitCode = -1
		res.Stderr = err.Error()
		return res, &types.TransientInfraError{Op: "exec on " + d.Host, Err: err}
	}

	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	res.ExitCode = out.ExitCode
	res.Interrupted = out.TimedOut

	switch {
	case res.Interrupted:
		return res, &types.TransientInfraError{
			Op:  "exec on " + d.Host,
			Err: fmt.Errorf("timed out after %s", d.Timeout),
		}
	case res.ExitCode != 0:
		return res, &types.TransientInfraError{
			Op:  "exec on " + d.Host,
			Err: fmt.Errorf("exit code %d", res.ExitCode),
		}
	}
	return res, nil
}
