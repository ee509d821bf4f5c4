// Package system drives the local tunnel host: kernel routes, packet-filter
// rules and VPN gateway detection. Every privileged action goes through a
// Runner so tests never touch the host.
package system

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/metrics"
)

// DefaultCommandTimeout bounds a local command.
const DefaultCommandTimeout = 10 * time.Second

// Output is the result of a local command. Stdout carries combined output.
type Output struct {
	Stdout   string
	ExitCode int
	Err      error // Set when the command could not run or timed out
}

// OK reports whether the command ran and exited zero.
func (o Output) OK() bool {
	return o.Err == nil && o.ExitCode == 0
}

// Contains reports whether the output contains s, ignoring case.
func (o Output) Contains(s string) bool {
	return strings.Contains(strings.ToLower(o.Stdout), strings.ToLower(s))
}

// Runner executes local commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Output
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Sudo    bool
	Timeout time.Duration
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(sudo bool, timeout time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExecRunner{Sudo: sudo, Timeout: timeout, Log: log.WithField("component", "system"), Metrics: m}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) Output {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if r.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	res := Output{Stdout: string(out)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = err
		if ctx.Err() != nil {
			res.Err = ctx.Err()
		}
	}

	outcome := metrics.OutcomeOK
	switch {
	case res.Err != nil:
		outcome = metrics.OutcomeTransport
	case res.ExitCode != 0:
		outcome = metrics.OutcomeApply
	}
	command := name
	if r.Sudo && len(args) > 0 {
		command = args[0]
	}
	r.Metrics.LocalCommand(command, outcome)

	r.Log.WithFields(logrus.Fields{
		"command": strings.Join(append([]string{name}, args...), " "),
		"exit":    res.ExitCode,
	}).Debug("Local command finished")
	return res
}

// ScriptedRunner is an in-memory Runner answering from prefix matches on the
// joined command line. Used by tests and dry runs.
type ScriptedRunner struct {
	mu       sync.Mutex
	replies  []scriptedOutput
	Default  Output
	Commands []string
}

type scriptedOutput struct {
	prefix string
	out    Output
}

// NewScriptedRunner returns a runner answering unknown commands with success.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{}
}

// On registers out for command lines starting with prefix. Later registrations win.
func (s *ScriptedRunner) On(prefix string, out Output) *ScriptedRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append([]scriptedOutput{{prefix: prefix, out: out}}, s.replies...)
	return s
}

// Run implements Runner.
func (s *ScriptedRunner) Run(_ context.Context, name string, args ...string) Output {
	line := strings.Join(append([]string{name}, args...), " ")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, line)
	for _, r := range s.replies {
		if strings.HasPrefix(line, r.prefix) {
			return r.out
		}
	}
	return s.Default
}

// Sent returns the command lines received that start with prefix.
func (s *ScriptedRunner) Sent(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.Commands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}
