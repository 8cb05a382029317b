package shell

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// MockCommand is a canned response for every command line matching Pattern,
// a regular expression applied to the space-joined argument list.
type MockCommand struct {
	Pattern  string
	Stdout   string
	Stderr   string
	ExitCode int
	Error    error
}

// MockExecutor replays MockCommands and records what was asked of it.
type MockExecutor struct {
	mu       sync.Mutex
	commands []MockCommand
	Calls    []Command
}

// NewMockExecutor returns an executor answering from the given commands,
// first match wins.
func NewMockExecutor(commands []MockCommand) *MockExecutor {
	return &MockExecutor{commands: commands}
}

// Run implements Executor.
func (m *MockExecutor) Run(ctx context.Context, c Command) (*Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, c)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	line := strings.Join(c.Args, " ")
	for _, mc := range m.commands {
		matched, err := regexp.MatchString(mc.Pattern, line)
		if err != nil {
			return nil, fmt.Errorf("bad mock pattern %q: %w", mc.Pattern, err)
		}
		if !matched {
			continue
		}
		result := &Result{
			Args:     append([]string(nil), c.Args...),
			ExitCode: mc.ExitCode,
			Stdout:   []byte(mc.Stdout),
			Stderr:   []byte(mc.Stderr),
		}
		if mc.Error != nil {
			return result, mc.Error
		}
		return result, nil
	}
	return nil, &CommandNotFoundError{Name: c.Args[0]}
}
