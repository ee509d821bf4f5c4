package routeros

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ScriptedExecutor is an in-memory Executor that answers commands from a
// script of prefix matches. It records every command it receives, including
// the snapshot Mutate issues first. Used by tests and dry runs.
type ScriptedExecutor struct {
	mu       sync.Mutex
	replies  []scriptedReply
	Default  Result   // Returned when no prefix matches
	Commands []string // Every command received, in order
}

type scriptedReply struct {
	prefix string
	result Result
}

// NewScriptedExecutor returns an executor that answers unknown commands with an empty success.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{}
}

// On registers result for commands starting with prefix. Later registrations win.
func (s *ScriptedExecutor) On(prefix string, result Result) *ScriptedExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append([]scriptedReply{{prefix: prefix, result: result}}, s.replies...)
	return s
}

// Run implements Executor.
func (s *ScriptedExecutor) Run(_ context.Context, command string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, command)
	for _, r := range s.replies {
		if strings.HasPrefix(command, r.prefix) {
			return r.result
		}
	}
	return s.Default
}

// RunWithTimeout implements Executor.
func (s *ScriptedExecutor) RunWithTimeout(ctx context.Context, command string, _ time.Duration) Result {
	return s.Run(ctx, command)
}

// Mutate implements Executor, issuing a snapshot first.
func (s *ScriptedExecutor) Mutate(ctx context.Context, command string) Result {
	s.Run(ctx, BackupSave("scripted"))
	return s.Run(ctx, command)
}

// Sent returns the commands received that start with prefix.
func (s *ScriptedExecutor) Sent(prefix string) []string {
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
