package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// CommandRemote runs diagnostics through the system ssh binary
type CommandRemote struct {
	Binary       string
	User         string
	IdentityFile string
	// KnownHosts enables strict host key checking against that file
	KnownHosts string
	Port       int
}

// NewCommandRemote creates a remote backed by the ssh client on PATH
func NewCommandRemote(user, identityFile, knownHosts string, port int) *CommandRemote {
	return &CommandRemote{
		Binary:       "ssh",
		User:         user,
		IdentityFile: identityFile,
		KnownHosts:   knownHosts,
		Port:         port,
	}
}

// Args returns the ssh argument vector for running command on host
func (c *CommandRemote) Args(host, command string) []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
	}
	if c.KnownHosts != "" {
		args = []string{
			"-o", "StrictHostKeyChecking=yes",
			"-o", "UserKnownHostsFile=" + c.KnownHosts,
			"-o", "BatchMode=yes",
		}
	}
	if c.IdentityFile != "" {
		args = append(args, "-i", c.IdentityFile)
	}
	if c.Port != 0 {
		args = append(args, "-p", strconv.Itoa(c.Port))
	}
	target := host
	if c.User != "" {
		target = c.User + "@" + host
	}
	return append(args, target, command)
}

// Exec implements Remote
func (c *CommandRemote) Exec(ctx context.Context, host, command string) (ExecResult, error) {
	return runCommand(ctx, c.Binary, c.Args(host, command)...)
}

// waitDelay bounds how long output is drained after the process is killed
const waitDelay = time.Second

// runCommand runs a local command and maps its exit status into ExecResult
func runCommand(ctx context.Context, name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() != nil {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
}
