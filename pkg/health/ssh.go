package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHRemote runs diagnostics over a native SSH client. Without a
// HostKeyCallback host keys are not verified, since members get fresh keys
// every time they are rebuilt.
type SSHRemote struct {
	User            string
	Port            int
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
}

// NewSSHRemote loads the private key at identityFile. When knownHosts is
// set, host keys are checked against that file.
func NewSSHRemote(user, identityFile, knownHosts string, port int) (*SSHRemote, error) {
	key, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	r := &SSHRemote{User: user, Port: port, Signer: signer, DialTimeout: 10 * time.Second}
	if knownHosts != "" {
		if r.HostKeyCallback, err = knownhosts.New(knownHosts); err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}
	return r, nil
}

func (r *SSHRemote) hostKeyCallback() ssh.HostKeyCallback {
	if r.HostKeyCallback == nil {
		return ssh.InsecureIgnoreHostKey() //nolint:gosec
	}
	return r.HostKeyCallback
}

// Exec implements Remote
func (r *SSHRemote) Exec(ctx context.Context, host, command string) (ExecResult, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(r.Port))

	dialer := &net.Dialer{Timeout: r.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ExecResult{TimedOut: true, ExitCode: -1}, nil
		}
		return ExecResult{}, fmt.Errorf("connection failed: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.Signer)},
		HostKeyCallback: r.hostKeyCallback(),
		Timeout:         r.DialTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return ExecResult{}, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return ExecResult{TimedOut: true, ExitCode: -1}, nil
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	default:
		return res, fmt.Errorf("remote command failed: %w", err)
	}
}
