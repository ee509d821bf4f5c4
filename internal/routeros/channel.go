// Package routeros talks to RouterOS-style appliances over a remote shell.
// Each command runs on its own connection; nothing is pooled, because the
// embedded SSH servers on these devices drop idle sessions unpredictably.
// Replies are plain text and are turned into records by ParseRecords.
package routeros

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/metrics"
)

// DefaultPort is the SSH port used when a Target has none.
const DefaultPort = 22

// Target identifies a device and the credentials used to reach it.
type Target struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
}

// Result is the outcome of one command. Err is set only for transport
// failures (dial, auth, timeout); a command the device rejected has Err nil
// and is recognised by Failed.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// deviceFailureMarkers are stdout fragments RouterOS prints when a command
// is rejected while still exiting 0.
var deviceFailureMarkers = []string{
	"failure:",
	"syntax error",
	"no such item",
	"expected end of command",
	"invalid value",
	"bad command name",
	"input does not match any value",
}

// Failed reports whether the device reported failure.
func (r Result) Failed() bool {
	if r.Err != nil {
		return false
	}
	if r.ExitCode != 0 || strings.TrimSpace(r.Stderr) != "" {
		return true
	}
	lower := strings.ToLower(r.Stdout)
	for _, m := range deviceFailureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// OK reports whether the command reached the device and succeeded.
func (r Result) OK() bool {
	return r.Err == nil && !r.Failed()
}

// Output is the raw device text describing the result: stderr when present, else stdout.
func (r Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Contains reports whether stdout or stderr contains s, case-insensitively.
func (r Result) Contains(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(strings.ToLower(r.Stdout), s) || strings.Contains(strings.ToLower(r.Stderr), s)
}

// NoSuchItem reports whether the device said the addressed item does not exist.
func (r Result) NoSuchItem() bool {
	return r.Contains("no such item")
}

// AsError classifies the result for op: nil on success, a transport error, or
// an apply error carrying the device text verbatim.
func (r Result) AsError(op string) error {
	switch {
	case r.Err != nil:
		return errs.Transport(op, r.Err)
	case r.Failed():
		return errs.Apply(op, "device reported failure", r.Output())
	default:
		return nil
	}
}

// Session is an open connection able to execute one command.
type Session interface {
	Exec(ctx context.Context, command string, timeout time.Duration) Result
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Connect(ctx context.Context, target Target, timeout time.Duration) (Session, error)
}

// Executor runs commands against a single device. Mutate takes a
// configuration snapshot on the device before running the command.
type Executor interface {
	Run(ctx context.Context, command string) Result
	RunWithTimeout(ctx context.Context, command string, timeout time.Duration) Result
	Mutate(ctx context.Context, command string) Result
}

// Options tune a Client.
type Options struct {
	ConnectTimeout time.Duration      // Dial and handshake timeout
	CommandTimeout time.Duration      // Per-command timeout
	BackupPrefix   string             // Snapshot name prefix used by Mutate
	Logger         logrus.FieldLogger // Defaults to the standard logrus logger
	Metrics        *metrics.Metrics   // Optional
	Now            func() time.Time   // Clock for snapshot names
}

// Client executes commands against one Target, one connection per command.
type Client struct {
	transport Transport
	target    Target
	opts      Options
	log       logrus.FieldLogger
}

// NewClient creates a client for target.
func NewClient(transport Transport, target Target, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.BackupPrefix == "" {
		opts.BackupPrefix = "vpn"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Client{
		transport: transport,
		target:    target,
		opts:      opts,
		log:       opts.Logger.WithField("device", target.Host),
	}
}

// Target returns the device the client talks to.
func (c *Client) Target() Target {
	return c.target
}

// Run executes command with the default command timeout.
func (c *Client) Run(ctx context.Context, command string) Result {
	return c.RunWithTimeout(ctx, command, c.opts.CommandTimeout)
}

// RunWithTimeout executes command on a fresh session.
func (c *Client) RunWithTimeout(ctx context.Context, command string, timeout time.Duration) Result {
	c.log.WithField("command", MaskSecrets(command)).Info("executing remote command")

	sess, err := c.transport.Connect(ctx, c.target, c.opts.ConnectTimeout)
	if err != nil {
		c.log.WithError(err).Warn("device connection failed")
		c.opts.Metrics.RemoteCommand(metrics.OutcomeTransport)
		return Result{ExitCode: -1, Err: err}
	}
	defer sess.Close()

	res := sess.Exec(ctx, command, timeout)
	switch {
	case res.Err != nil:
		c.log.WithError(res.Err).Warn("remote command transport failure")
		c.opts.Metrics.RemoteCommand(metrics.OutcomeTransport)
	case res.Failed():
		c.log.WithFields(logrus.Fields{"exit_code": res.ExitCode, "output": res.Output()}).Warn("device rejected command")
		c.opts.Metrics.RemoteCommand(metrics.OutcomeApply)
	default:
		c.opts.Metrics.RemoteCommand(metrics.OutcomeOK)
	}
	c.log.WithField("stdout", res.Stdout).Debug("remote command output")
	return res
}

// Mutate takes a best-effort configuration snapshot and then runs command.
// A failed snapshot is logged and does not stop the mutation.
func (c *Client) Mutate(ctx context.Context, command string) Result {
	name := SnapshotName(c.opts.BackupPrefix, c.opts.Now())
	if res := c.Run(ctx, BackupSave(name)); !res.OK() {
		c.log.WithFields(logrus.Fields{
			"backup": name,
			"error":  res.AsError("routeros.backup"),
		}).Warn("configuration snapshot failed, continuing")
	}
	return c.Run(ctx, command)
}

// TestConnection asks the device for its identity.
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	res := c.Run(ctx, IdentityPrint())
	if err := res.AsError("routeros.test"); err != nil {
		return "", err
	}
	props := ParseProperties(res.Stdout)
	if name := props["name"]; name != "" {
		return name, nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SnapshotName builds "<prefix>_backup_<YYYYmmdd_HHMMSS>".
func SnapshotName(prefix string, t time.Time) string {
	return prefix + "_backup_" + t.Format("20060102_150405")
}

var secretPattern = regexp.MustCompile(`(password=)("(?:[^"\\]|\\.)*"|\S+)`)

// MaskSecrets hides password arguments in command text before it is logged.
func MaskSecrets(command string) string {
	return secretPattern.ReplaceAllString(command, `${1}"***"`)
}
