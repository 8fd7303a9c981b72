package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultCodeTimeout    = 30 * time.Second
	DefaultMaxOutputBytes = 1 << 20

	// waitDelay bounds how long Wait keeps reading pipes after the child
	// exited or was killed. A background grandchild holding stdout open
	// must not stall the caller.
	waitDelay = 2 * time.Second
)

var (
	ErrEmptyCommand         = errors.New("sandbox: empty command")
	ErrUnsupportedLanguage  = errors.New("sandbox: unsupported language")
	ErrInterpreterNotFound  = errors.New("sandbox: interpreter not found")
	ErrProcessStartFailed   = errors.New("sandbox: process failed to start")
	errCodeSourceNotWritten = errors.New("sandbox: could not stage source file")
)

// ExecResult holds the outcome of one command or code execution.
type ExecResult struct {
	Stdout         string        `json:"stdout"`
	Stderr         string        `json:"stderr"`
	ExitCode       int           `json:"exit_code"`
	TimedOut       bool          `json:"timed_out"`
	Blocked        bool          `json:"blocked"`
	BlockedPattern string        `json:"blocked_pattern,omitempty"`
	PID            int           `json:"pid,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Language describes how source code in one language is run.
type Language struct {
	Name         string
	Extension    string
	Interpreters []string
}

// DefaultLanguages is the interpreter whitelist.
var DefaultLanguages = map[string]Language{
	"python": {Name: "python", Extension: ".py", Interpreters: []string{"python3", "python"}},
}

// Executor runs shell commands and code snippets as child processes under a
// hard wall-clock timeout. Every process is started in its own process group
// and the whole group is killed on timeout or cancellation.
//
// An Executor holds no mutable state after construction and is safe for
// concurrent use.
type Executor struct {
	workingDir     string
	shell          []string
	commandTimeout time.Duration
	codeTimeout    time.Duration
	maxOutputBytes int
	denylist       []DenyRule
	languages      map[string]Language
	logger         zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkingDir sets the directory commands run in.
func WithWorkingDir(dir string) Option {
	return func(e *Executor) { e.workingDir = dir }
}

// WithTimeouts overrides the default command and code timeouts. Zero values
// keep the defaults.
func WithTimeouts(command, code time.Duration) Option {
	return func(e *Executor) {
		if command > 0 {
			e.commandTimeout = command
		}
		if code > 0 {
			e.codeTimeout = code
		}
	}
}

// WithMaxOutputBytes caps how much of each output stream is kept.
func WithMaxOutputBytes(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxOutputBytes = n
		}
	}
}

// WithDenylist replaces the default denylist.
func WithDenylist(rules []DenyRule) Option {
	return func(e *Executor) { e.denylist = rules }
}

// WithLanguages replaces the interpreter whitelist.
func WithLanguages(langs map[string]Language) Option {
	return func(e *Executor) { e.languages = langs }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		shell:          defaultShell,
		commandTimeout: DefaultCommandTimeout,
		codeTimeout:    DefaultCodeTimeout,
		maxOutputBytes: DefaultMaxOutputBytes,
		denylist:       DefaultDenylist,
		languages:      DefaultLanguages,
		logger:         log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workingDir == "" {
		e.workingDir, _ = os.Getwd()
	}
	return e
}

// WorkingDir returns the directory commands run in.
func (e *Executor) WorkingDir() string { return e.workingDir }

// CommandTimeout returns the timeout used when RunCommand gets none.
func (e *Executor) CommandTimeout() time.Duration { return e.commandTimeout }

// CodeTimeout returns the timeout used when RunCode gets none.
func (e *Executor) CodeTimeout() time.Duration { return e.codeTimeout }

// Languages returns the names of the supported languages.
func (e *Executor) Languages() []string {
	names := make([]string, 0, len(e.languages))
	for name := range e.languages {
		names = append(names, name)
	}
	return names
}

// Check reports the denylist rule matching text, if any.
func (e *Executor) Check(text string) (DenyRule, bool) {
	return Match(e.denylist, text)
}

// RunCommand runs command through the shell. A timeout of zero or less
// selects the executor's command timeout.
//
// A denylisted command is not started; the result has Blocked set and a nil
// error. A timeout kills the process group and yields TimedOut with exit code
// -1 and a nil error. Cancellation of ctx kills the process group too and
// returns the partial result together with the context error.
func (e *Executor) RunCommand(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return ExecResult{}, ErrEmptyCommand
	}
	if rule, ok := e.Check(command); ok {
		return e.blocked(rule, "command"), nil
	}
	if timeout <= 0 {
		timeout = e.commandTimeout
	}

	args := append(append([]string{}, e.shell[1:]...), command)
	return e.run(ctx, e.shell[0], args, timeout)
}

// RunCode writes source to a temporary file and runs it with the
// interpreter registered for language. The file is removed on every path.
func (e *Executor) RunCode(ctx context.Context, source, language string, timeout time.Duration) (ExecResult, error) {
	lang, ok := e.languages[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return ExecResult{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	if rule, ok := e.Check(source); ok {
		return e.blocked(rule, "code"), nil
	}
	if timeout <= 0 {
		timeout = e.codeTimeout
	}

	interpreter, err := resolveInterpreter(lang)
	if err != nil {
		return ExecResult{}, err
	}

	f, err := os.CreateTemp("", "codeloop-*"+lang.Extension)
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: %v", errCodeSourceNotWritten, err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(source); err != nil {
		f.Close()
		return ExecResult{}, fmt.Errorf("%w: %v", errCodeSourceNotWritten, err)
	}
	if err := f.Close(); err != nil {
		return ExecResult{}, fmt.Errorf("%w: %v", errCodeSourceNotWritten, err)
	}

	return e.run(ctx, interpreter, []string{path}, timeout)
}

func (e *Executor) blocked(rule DenyRule, kind string) ExecResult {
	e.logger.Warn().
		Str("pattern", rule.String()).
		Str("kind", kind).
		Msg("blocked destructive operation")
	return ExecResult{
		ExitCode:       -1,
		Blocked:        true,
		BlockedPattern: rule.String(),
	}
}

func resolveInterpreter(lang Language) (string, error) {
	for _, candidate := range lang.Interpreters {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s for %s", ErrInterpreterNotFound, strings.Join(lang.Interpreters, ", "), lang.Name)
}

func (e *Executor) run(ctx context.Context, name string, args []string, timeout time.Duration) (ExecResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = e.workingDir
	cmd.Env = childEnvironment()
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	stdout := newCappedBuffer(e.maxOutputBytes)
	stderr := newCappedBuffer(e.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.Process != nil {
		result.PID = cmd.Process.Pid
	}

	logger := e.logger.With().Str("cmd", name).Int("pid", result.PID).Dur("duration", result.Duration).Logger()

	switch {
	case ctx.Err() != nil:
		result.ExitCode = -1
		logger.Debug().Err(ctx.Err()).Msg("process cancelled")
		return result, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && err != nil:
		result.TimedOut = true
		result.ExitCode = -1
		logger.Warn().Dur("timeout", timeout).Msg("process timed out, process group killed")
		return result, nil
	case err == nil:
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
		result.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return result, fmt.Errorf("%w: %s: %v", ErrProcessStartFailed, name, err)
	}
	logger.Debug().Int("exit_code", result.ExitCode).Msg("process exited")
	return result, nil
}

// cappedBuffer keeps the first limit bytes written to it and counts the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += len(p) - max(room, 0)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n[output truncated: %d bytes dropped]", b.buf.String(), b.dropped)
}
