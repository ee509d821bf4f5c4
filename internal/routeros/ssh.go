package routeros

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport opens password-authenticated SSH connections to devices.
type SSHTransport struct {
	// HostKeyCallback verifies device host keys. Nil accepts any key, which is
	// what appliances with regenerated keys after a reset require.
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHTransport returns a transport that accepts any host key.
func NewSSHTransport() *SSHTransport {
	return &SSHTransport{}
}

// Connect dials target and completes the SSH handshake within timeout.
func (t *SSHTransport) Connect(ctx context.Context, target Target, timeout time.Duration) (Session, error) {
	hostKey := t.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = target.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := target.Addr()
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// Exec runs a single command on a fresh SSH channel. A command that runs past
// timeout is abandoned and reported as a transport failure together with the
// output received so far. Abandoning a command closes the connection.
func (s *sshSession) Exec(ctx context.Context, command string, timeout time.Duration) Result {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("open session: %w", err)}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = s.client.Close()
		// Run returns once the channel is torn down and its output copied.
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, Err: fmt.Errorf("command timed out: %w", ctx.Err())}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res
		}
		res.ExitCode = -1
		res.Err = err
	}
	return res
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// Addr is host:port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}
