// Package supervisor keeps external plugin server processes alive. One
// Supervisor runs one server definition: it spawns the child, attaches an
// RPC client to the configured socket, drains the child's combined output
// into the gateway log, reaps the child, and respawns it. Definitions
// without an executable get an attach-only loop that treats some other
// process as the owner of the child.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/domain"
	"github.com/gsunapoleonchen/kong/internal/infra/msgrpc"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultDialInterval = 100 * time.Millisecond

	// A session shorter than this counts as a crash and grows the respawn
	// backoff; a longer one resets it.
	minHealthyUptime = 10 * time.Second

	respawnBackoffBase = 200 * time.Millisecond
	respawnBackoffCap  = 30 * time.Second
)

// Supervisor owns one ServerDef's process and transport for the life of the
// host.
type Supervisor struct {
	def     domain.ServerDef
	logger  *zap.Logger
	metrics domain.Metrics

	dialTimeout time.Duration

	onAttach func(*msgrpc.Client)
	onDetach func(*msgrpc.Client)
}

type Options struct {
	Def     domain.ServerDef
	Logger  *zap.Logger
	Metrics domain.Metrics

	// DialTimeout bounds the wait for the child to create its socket.
	DialTimeout time.Duration

	// OnAttach is called with each freshly opened RPC client, before any
	// log draining begins. OnDetach is called after the client is closed.
	OnAttach func(*msgrpc.Client)
	OnDetach func(*msgrpc.Client)
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Supervisor{
		def:         opts.Def,
		logger:      logger.Named("supervisor").With(zap.String("server", opts.Def.Name)),
		metrics:     metrics,
		dialTimeout: dialTimeout,
		onAttach:    opts.OnAttach,
		onDetach:    opts.OnDetach,
	}
}

// Run supervises until ctx is done. For a ServerDef without an executable it
// degrades to an attach-only loop. Spawn failure is fatal for this server
// and returns the error; other servers are unaffected.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.def.HasExec() {
		return s.runClientOnly(ctx)
	}

	backoff := respawnBackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		err := s.runSession(ctx)
		if err != nil {
			var spawnErr *spawnError
			if errors.As(err, &spawnErr) {
				s.logger.Error("cannot start plugin server, giving up", zap.Error(err))
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("plugin server session ended", zap.Error(err))
		}

		if time.Since(started) >= minHealthyUptime {
			backoff = respawnBackoffBase
		} else {
			backoff = min(backoff*2, respawnBackoffCap)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type spawnError struct {
	err error
}

func (e *spawnError) Error() string { return fmt.Sprintf("spawn: %v", e.err) }
func (e *spawnError) Unwrap() error { return e.err }

// runSession spawns the child once and sees it through to exit.
func (s *Supervisor) runSession(ctx context.Context) error {
	attempt := uuid.NewString()
	logger := s.logger.With(zap.String("attempt", attempt))

	cmd := exec.CommandContext(ctx, s.def.Exec, s.def.Args...)
	cmd.Env = append(os.Environ(), formatEnv(s.def.Env)...)

	// stdout and stderr share one pipe so server output interleaves the way
	// it was written.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return &spawnError{err: err}
	}
	pw.Close()
	logger.Info("plugin server started", zap.Int("pid", cmd.Process.Pid))
	s.metrics.ObserveServerSpawn(s.def.Name)

	client, err := s.dialWithRetry(ctx)
	if err != nil {
		logger.Error("cannot reach plugin server socket", zap.Error(err))
		pr.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("attach %s: %w", s.def.Socket, err)
	}
	if s.onAttach != nil {
		s.onAttach(client)
	}

	s.grabLogs(pr)

	waitErr := cmd.Wait()
	logger.Info("plugin server terminated", zap.String("status", exitStatus(waitErr)))

	_ = client.Close()
	if s.onDetach != nil {
		s.onDetach(client)
	}
	return waitErr
}

// runClientOnly attaches to a socket owned by another process, re-dialling
// whenever the connection dies.
func (s *Supervisor) runClientOnly(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		client, err := s.dialWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("cannot reach plugin server socket", zap.Error(err))
			select {
			case <-time.After(respawnBackoffCap):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if s.onAttach != nil {
			s.onAttach(client)
		}
		select {
		case <-client.Done():
			s.logger.Warn("plugin server connection lost")
		case <-ctx.Done():
		}
		_ = client.Close()
		if s.onDetach != nil {
			s.onDetach(client)
		}
	}
}

func (s *Supervisor) dialWithRetry(ctx context.Context) (*msgrpc.Client, error) {
	var client *msgrpc.Client
	b := retry.WithMaxDuration(s.dialTimeout, retry.NewConstant(defaultDialInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, err := msgrpc.Dial(ctx, s.def.Socket, msgrpc.ClientOptions{Logger: s.logger})
		if err != nil {
			return retry.RetryableError(err)
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// grabLogs forwards each non-empty child output line to the gateway log
// until the pipe closes.
func (s *Supervisor) grabLogs(pr *os.File) {
	defer pr.Close()
	prefix := fmt.Sprintf("[%s]", s.def.Name)
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.logger.Info(prefix + " " + line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("log drain ended", zap.Error(err))
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func exitStatus(waitErr error) string {
	if waitErr == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.String()
	}
	return waitErr.Error()
}
