package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

const (
	DefaultInactivityTimeout = 10 * time.Minute

	watchdogInterval = time.Second
	debounceDelay    = 100 * time.Millisecond
	recentWindowSize = 500
)

// Options describes one supervised invocation of the external agent.
type Options struct {
	Command           string
	Args              []string
	Dir               string
	Env               []string
	InactivityTimeout time.Duration
	Rules             []Rule
	// OnOutput receives each output chunk as it arrives. Called from the
	// read loop; keep it fast.
	OnOutput func(chunk []byte)
	Log      *zap.Logger
}

// Result is the terminal outcome of a supervised process. An inactivity
// timeout is a normal outcome, not an error: TimedOut is set, Success is
// false, and the caller decides whether to retry.
type Result struct {
	Success  bool
	Output   string
	TimedOut bool
	Duration time.Duration
	ExitCode int
}

// Run spawns the command attached to a pseudo-terminal and supervises it to
// completion. The agent suppresses its interactive prompts when it detects a
// non-terminal stdin, so a plain pipe is not enough.
//
// Run never retries; it returns an error only when the process cannot be
// spawned or reaped at all.
func Run(ctx context.Context, opts Options) (Result, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	start := time.Now()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return Result{}, fmt.Errorf("start %s: %w", opts.Command, err)
	}
	defer ptmx.Close()

	var mu sync.Mutex
	var output strings.Builder
	var window []byte
	lastOutput := start
	timedOut := false

	var killOnce sync.Once
	kill := func(byTimeout bool) {
		killOnce.Do(func() {
			if byTimeout {
				mu.Lock()
				timedOut = true
				mu.Unlock()
			}
			if cmd.Process == nil {
				return
			}
			// The child is a session leader (the pty setup calls setsid),
			// so a negative pid kills its whole process group, including
			// any grandchildren holding the terminal open.
			if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
				_ = cmd.Process.Kill()
			}
		})
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				mu.Lock()
				output.Write(chunk)
				window = append(window, chunk...)
				if len(window) > recentWindowSize {
					window = window[len(window)-recentWindowSize:]
				}
				lastOutput = time.Now()
				mu.Unlock()
				if opts.OnOutput != nil {
					opts.OnOutput(chunk)
				}
			}
			if readErr != nil {
				// EOF or EIO when the child side closes.
				return
			}
		}
	}()

	supervisorDone := make(chan struct{})
	go func() {
		watchdog := time.NewTicker(watchdogInterval)
		defer watchdog.Stop()
		responder := time.NewTicker(debounceDelay)
		defer responder.Stop()
		for {
			select {
			case <-supervisorDone:
				return
			case <-ctx.Done():
				log.Debug("context cancelled, killing process")
				kill(false)
				return
			case <-watchdog.C:
				mu.Lock()
				idle := time.Since(lastOutput)
				mu.Unlock()
				if idle >= timeout {
					log.Warn("inactivity timeout, killing process",
						zap.Duration("idle", idle), zap.Duration("timeout", timeout))
					kill(true)
					return
				}
			case <-responder.C:
				mu.Lock()
				idle := time.Since(lastOutput)
				snapshot := string(window)
				mu.Unlock()
				if idle < debounceDelay || snapshot == "" {
					continue
				}
				rule, ok := Match(rules, snapshot)
				if !ok {
					continue
				}
				// Clear before writing so the echoed response cannot
				// re-trigger the same rule.
				mu.Lock()
				window = window[:0]
				mu.Unlock()
				log.Debug("auto-responding to prompt",
					zap.String("pattern", rule.Pattern.String()),
					zap.String("response", strings.TrimRight(rule.Response, "\n")))
				if _, werr := ptmx.WriteString(rule.Response); werr != nil {
					log.Debug("response write failed", zap.Error(werr))
				}
			}
		}
	}()

	<-readerDone
	close(supervisorDone)

	waitErr := cmd.Wait()
	mu.Lock()
	res := Result{
		Output:   output.String(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	mu.Unlock()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("wait %s: %w", opts.Command, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Success = res.ExitCode == 0 && !res.TimedOut
	log.Debug("process finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res, nil
}
