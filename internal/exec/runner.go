package exec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Stream names the output pipe a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Result captures what a finished process produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LineFunc observes process output line by line. Carriage returns also end a line.
type LineFunc func(stream Stream, line string)

// Runner abstracts process execution for testability.
type Runner interface {
	// Run executes one command and captures stdout, stderr and the exit code.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// Stream executes one command, handing every output line to onLine as it arrives.
	// Only a bounded tail of each stream is kept in the Result.
	Stream(ctx context.Context, onLine LineFunc, name string, args ...string) (Result, error)
}

type CommandRunner struct{}

func NewCommandRunner() *CommandRunner {
	return &CommandRunner{}
}

func (r *CommandRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = exitCode(err)
		return result, err
	}
	return result, nil
}

const maxKeep = 8192

func (r *CommandRunner) Stream(ctx context.Context, onLine LineFunc, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("setup stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", name, err)
	}

	var outTail, errTail tail
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(stream Stream, rd io.Reader, keep *tail) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			keep.add(line)
			mu.Unlock()
			if onLine != nil {
				onLine(stream, line)
			}
		}
	}

	wg.Add(2)
	go read(StreamStdout, stdoutPipe, &outTail)
	go read(StreamStderr, stderrPipe, &errTail)
	wg.Wait()

	waitErr := cmd.Wait()
	result := Result{Stdout: outTail.String(), Stderr: errTail.String()}
	if waitErr != nil {
		result.ExitCode = exitCode(waitErr)
		return result, waitErr
	}
	return result, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tail keeps the most recent maxKeep bytes of output.
type tail struct {
	b strings.Builder
}

func (t *tail) add(line string) {
	t.b.WriteString(line)
	t.b.WriteByte('\n')
	if t.b.Len() > 2*maxKeep {
		s := t.b.String()
		t.b.Reset()
		t.b.WriteString(s[len(s)-maxKeep:])
	}
}

func (t *tail) String() string {
	s := t.b.String()
	if len(s) > maxKeep {
		return s[len(s)-maxKeep:]
	}
	return s
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ToolError reports a failed external tool run with the end of its diagnostics.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode > 0 {
		msg = fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	if e.Stderr != "" {
		return msg + ": " + e.Stderr
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError wraps a run failure. Context errors pass through unchanged so callers
// can tell a timeout or cancellation from a tool failure.
func NewToolError(ctx context.Context, tool string, res Result, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", tool, ctxErr)
	}
	return &ToolError{Tool: tool, ExitCode: res.ExitCode, Stderr: LastLines(res.Stderr, 5), Err: err}
}

// LastLines returns at most n trailing non-empty lines of s, joined by " | ".
func LastLines(s string, n int) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
