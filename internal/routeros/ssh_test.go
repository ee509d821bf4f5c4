package routeros

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// sshDevice is an in-process SSH server. "stream" writes until the client
// goes away, "fail" exits 1 and anything else is echoed back with status 0.
type sshDevice struct {
	ln     net.Listener
	config *ssh.ServerConfig
}

func newSSHDevice(t *testing.T) *sshDevice {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	d := &sshDevice{ln: ln, config: cfg}
	go d.serve()
	return d
}

func (d *sshDevice) target(password string) Target {
	addr := d.ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port, User: "admin", Password: password}
}

func (d *sshDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			_, chans, reqs, err := ssh.NewServerConn(conn, d.config)
			if err != nil {
				conn.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			for nc := range chans {
				if nc.ChannelType() != "session" {
					_ = nc.Reject(ssh.UnknownChannelType, "session only")
					continue
				}
				ch, creqs, err := nc.Accept()
				if err != nil {
					continue
				}
				go handleSession(ch, creqs)
			}
		}()
	}
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		go runCommand(ch, payload.Command)
	}
}

func runCommand(ch ssh.Channel, command string) {
	exit := func(code uint32) {
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
		ch.Close()
	}
	switch command {
	case "stream":
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(ch, "line %d\n", i); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	case "fail":
		_, _ = io.WriteString(ch.Stderr(), "failure: bad command name\n")
		exit(1)
	default:
		_, _ = io.WriteString(ch, "ran: "+command+"\n")
		exit(0)
	}
}

func TestSSHTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("should run a command and capture its output", func(t *testing.T) {
		dev := newSSHDevice(t)
		sess, err := NewSSHTransport().Connect(ctx, dev.target("secret"), 5*time.Second)
		require.NoError(t, err)
		defer sess.Close()

		res := sess.Exec(ctx, "/system identity print", 5*time.Second)
		require.NoError(t, res.Err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "ran: /system identity print\n", res.Stdout)
	})

	t.Run("should report the exit status of a rejected command", func(t *testing.T) {
		dev := newSSHDevice(t)
		sess, err := NewSSHTransport().Connect(ctx, dev.target("secret"), 5*time.Second)
		require.NoError(t, err)
		defer sess.Close()

		res := sess.Exec(ctx, "fail", 5*time.Second)
		assert.NoError(t, res.Err)
		assert.Equal(t, 1, res.ExitCode)
		assert.Contains(t, res.Stderr, "bad command name")
	})

	t.Run("should return partial output once a streaming command times out", func(t *testing.T) {
		dev := newSSHDevice(t)
		sess, err := NewSSHTransport().Connect(ctx, dev.target("secret"), 5*time.Second)
		require.NoError(t, err)
		defer sess.Close()

		start := time.Now()
		res := sess.Exec(ctx, "stream", 200*time.Millisecond)
		assert.Less(t, time.Since(start), 5*time.Second)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "timed out")
		assert.Equal(t, -1, res.ExitCode)
		assert.True(t, strings.HasPrefix(res.Stdout, "line 0\n"), res.Stdout)

		// The abandoned connection is closed; later commands fail fast.
		again := sess.Exec(ctx, "/system identity print", time.Second)
		assert.Error(t, again.Err)
	})

	t.Run("should fail the handshake with a wrong password", func(t *testing.T) {
		dev := newSSHDevice(t)
		_, err := NewSSHTransport().Connect(ctx, dev.target("wrong"), 5*time.Second)
		assert.Error(t, err)
	})
}
