package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/castnode/internal/logging"
)

// ExitCodeKilled is reported when the child had to be killed after the graceful timeout.
const ExitCodeKilled = 137

// TailLines is how many stderr lines a Result keeps for error reports.
const TailLines = 5

// LineHandler receives every output line; source is "stdout" or "stderr".
type LineHandler func(source, line string)

// LogParser classifies one output line and returns the message to log.
type LogParser func(line string) (slog.Level, string)

// StdoutReader consumes the raw stdout of the child until EOF.
type StdoutReader func(r io.Reader)

// Option configures a Process.
type Option func(*Process)

// WithLogParser logs child output through logger at the level parser returns.
func WithLogParser(logger logging.Logger, parser LogParser) Option {
	return func(p *Process) {
		p.outputLogger = logger
		p.parser = parser
	}
}

// WithStdout hands stdout to r instead of logging it line by line.
func WithStdout(r StdoutReader) Option {
	return func(p *Process) { p.stdout = r }
}

// WithLineHandler observes output lines, e.g. to detect that ffmpeg opened its output.
func WithLineHandler(h LineHandler) Option {
	return func(p *Process) { p.onLine = h }
}

// WithExtraFiles passes files to the child as fd 3, 4, ... The process owns
// them and closes its copies once the child has started.
func WithExtraFiles(files ...*os.File) Option {
	return func(p *Process) { p.extraFiles = files }
}

// WithGracefulTimeout sets how long Shutdown waits after SIGINT before SIGKILL.
func WithGracefulTimeout(d time.Duration) Option {
	return func(p *Process) { p.graceful = d }
}

// Result describes how a run ended.
type Result struct {
	ExitCode int
	// Stopped is set when the run ended because of Shutdown.
	Stopped bool
	Killed  bool
	// Tail holds the last stderr lines, oldest first.
	Tail []string
	// Err is an *ExitError when the child failed on its own.
	Err error
}

// ExitError reports a child that failed to start or exited non-zero.
type ExitError struct {
	ID   string
	Code int
	Last string
	err  error
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s exited with code %d", e.ID, e.Code)
	if e.err != nil {
		fmt.Fprintf(&b, ": %v", e.err)
	}
	if e.Last != "" {
		fmt.Fprintf(&b, " (%s)", e.Last)
	}
	return b.String()
}

func (e *ExitError) Unwrap() error { return e.err }

// Process runs one child command for a capture, microphone or publisher.
// A Process runs at most once.
type Process struct {
	id      string
	command string
	logger  logging.Logger

	outputLogger logging.Logger
	parser       LogParser
	stdout       StdoutReader
	onLine       LineHandler
	extraFiles   []*os.File
	graceful     time.Duration
	killWait     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	tailMu sync.Mutex
	tail   []string
}

// New creates a process for command, split on spaces with shell-like quoting.
func New(id, command string, logger logging.Logger, opts ...Option) *Process {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		id:       id,
		command:  command,
		logger:   logger,
		graceful: 5 * time.Second,
		killWait: 5 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.outputLogger == nil {
		p.outputLogger = logger
	}
	return p
}

// Command returns the command line.
func (p *Process) Command() string {
	return p.command
}

// Shutdown asks the child to stop. Safe to call before, during or after Run.
func (p *Process) Shutdown() {
	p.cancel()
}

// Run starts the child and blocks until it exits or Shutdown stopped it.
func (p *Process) Run() Result {
	if p.ctx.Err() != nil {
		p.closeExtraFiles()
		return Result{Stopped: true}
	}

	cmd, outputs, err := p.start()
	if err != nil {
		p.closeExtraFiles()
		return Result{ExitCode: 1, Err: &ExitError{ID: p.id, Code: 1, err: err}}
	}

	// Wait closes the pipes, so it must not run before the readers hit EOF
	waited := make(chan error, 1)
	go func() {
		outputs.Wait()
		waited <- cmd.Wait()
	}()

	var res Result
	select {
	case <-p.ctx.Done():
		res = p.stop(cmd, waited)
	case err := <-waited:
		res.ExitCode = exitCode(err)
		if res.ExitCode == 1 && err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.logger.Error("Process wait failed", "id", p.id, "error", err)
			}
		}
		p.logger.Info("Process exited", "id", p.id, "exit_code", res.ExitCode)
	}

	res.Tail = p.Tail()
	if res.ExitCode != 0 && !res.Stopped {
		e := &ExitError{ID: p.id, Code: res.ExitCode}
		if n := len(res.Tail); n > 0 {
			e.Last = res.Tail[n-1]
		}
		res.Err = e
	}
	return res
}

// Tail returns the last stderr lines seen so far.
func (p *Process) Tail() []string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return append([]string(nil), p.tail...)
}

func (p *Process) start() (*exec.Cmd, *sync.WaitGroup, error) {
	args, err := splitCommand(p.command)
	if err != nil {
		p.logger.Error("Invalid command", "id", p.id, "error", err)
		return nil, nil, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	// own process group so a terminal ^C reaches us first and we decide how the child stops
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = p.extraFiles
	defer p.closeExtraFiles()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		p.logger.Error("Failed to start process", "id", p.id, "error", err, "command", p.command)
		return nil, nil, err
	}
	p.logger.Info("Process started", "id", p.id, "pid", cmd.Process.Pid, "command", p.command)

	var outputs sync.WaitGroup
	outputs.Add(2)
	go func() {
		defer outputs.Done()
		if p.stdout != nil {
			p.stdout(stdout)
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
		p.scan(stdout, "stdout")
	}()
	go func() {
		defer outputs.Done()
		p.scan(stderr, "stderr")
	}()
	return cmd, &outputs, nil
}

// stop sends SIGINT, waits for the graceful timeout and kills the child if needed.
func (p *Process) stop(cmd *exec.Cmd, waited <-chan error) Result {
	p.logger.Info("Stopping process", "id", p.id, "pid", cmd.Process.Pid)
	if err := signalGroup(cmd, syscall.SIGINT); err != nil {
		p.logger.Warn("Failed to send SIGINT", "id", p.id, "error", err)
	}

	select {
	case err := <-waited:
		return Result{ExitCode: exitCode(err), Stopped: true}
	case <-time.After(p.graceful):
	}

	p.logger.Warn("Graceful stop timed out, killing", "id", p.id, "timeout", p.graceful)
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
		p.logger.Error("Failed to kill process", "id", p.id, "error", err)
	}
	select {
	case <-waited:
	case <-time.After(p.killWait):
		p.logger.Error("Process did not exit after SIGKILL", "id", p.id)
	}
	return Result{ExitCode: ExitCodeKilled, Stopped: true, Killed: true}
}

// signalGroup signals the child's process group so helpers it spawned, which
// may hold the output pipes open, go down with it.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *Process) scan(r io.Reader, source string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if p.onLine != nil {
			p.onLine(source, line)
		}
		if source == "stderr" && line != "" {
			p.remember(line)
		}

		level, msg := slog.LevelInfo, line
		if p.parser != nil {
			level, msg = p.parser(line)
		}
		switch {
		case level >= slog.LevelError:
			p.outputLogger.Error(msg, "id", p.id)
		case level >= slog.LevelWarn:
			p.outputLogger.Warn(msg, "id", p.id)
		case level >= slog.LevelInfo:
			p.outputLogger.Info(msg, "id", p.id)
		default:
			p.outputLogger.Debug(msg, "id", p.id)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("Error reading output", "id", p.id, "source", source, "error", err)
	}
}

func (p *Process) remember(line string) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	if len(p.tail) == TailLines {
		copy(p.tail, p.tail[1:])
		p.tail = p.tail[:TailLines-1]
	}
	p.tail = append(p.tail, line)
}

func (p *Process) closeExtraFiles() {
	for _, f := range p.extraFiles {
		_ = f.Close()
	}
	p.extraFiles = nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// killed by a signal
		return ExitCodeKilled
	}
	return 1
}

// splitCommand splits on unquoted spaces. Single and double quotes group,
// a backslash takes the next character literally.
func splitCommand(command string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quote   rune
		pending bool
		escaped bool
	)
	for _, r := range strings.TrimSpace(command) {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, pending = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, pending = r, true
		case r == ' ':
			if pending {
				args = append(args, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unclosed quote in command")
	}
	if pending {
		args = append(args, cur.String())
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}
