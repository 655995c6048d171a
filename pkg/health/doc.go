/*
Package health verifies pool members after a change by running a bounded
command on each of them.

# Diagnostics

A Diagnostic executes one command on one host through a Remote and records
stdout, stderr, exit code and timing. It succeeds when the command exits 0
before its timeout. Two remotes are provided:

  - SSHRemote uses golang.org/x/crypto/ssh directly
  - CommandRemote shells out to the system ssh binary

# Runner

Runner.RunDiagnostic wraps a Diagnostic in a retry.Policy and reports
types.ErrDiagnosticFailed once the policy gives up. RunDiagnostics fans the
members of a pool out over a fixed number of workers and blocks until every
member has been checked; exactly one DiagnosticRecord is stored per member
regardless of how many attempts it took.

RunDiagnosticsOnPool raises a single consolidated incident when any member
failed:

	outcomes, err := runner.RunDiagnosticsOnPool(ctx, pool, members)
	if errors.Is(err, types.ErrDiagnosticFailed) {
		// the change is cancelled by the caller
	}

# Sweep

Sweep runs the same checks across every pool outside of any change, one
task per pool. It backs the health command.
*/
package health
