// Package parseworker runs content parsing in an isolated child process.
//
// The parent side (Channel) frames CBOR task envelopes onto the child's
// stdin and matches framed result envelopes from its stdout back to the
// submitter by request id. The child side is Serve.
package parseworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/clock"
	"github.com/JakeFAU/chanwatch/internal/framing"
	"github.com/JakeFAU/chanwatch/internal/metrics"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

const (
	defaultTaskTimeout    = 2 * time.Minute
	defaultRestartBackoff = time.Second
	defaultSweepInterval  = time.Second
	defaultMaxPacket      = framing.DefaultMaxPacket
	stderrChunk           = 32 * 1024
)

// ErrNotRunning is returned by Submit while no worker process is alive,
// for example between an unexpected exit and the restart.
var ErrNotRunning = errors.New("parse worker not running")

// Config controls the worker process and task lifetimes.
type Config struct {
	// Command is the worker argv. Defaults to the running executable with
	// the "parse-worker" subcommand.
	Command []string
	// Env is appended to the parent's environment.
	Env []string
	// TaskTimeout fails a pending task with watch.ErrTaskExpired.
	TaskTimeout time.Duration
	// RestartBackoff is the delay before respawning after an unexpected exit.
	RestartBackoff time.Duration
	// SweepInterval is how often expired tasks are collected.
	SweepInterval time.Duration
	// MaxPacket bounds a single result frame.
	MaxPacket int
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = defaultRestartBackoff
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxPacket <= 0 {
		c.MaxPacket = defaultMaxPacket
	}
	return c
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReporter forwards worker stderr and protocol faults to r.
func WithReporter(r watch.Reporter) Option {
	return func(c *Channel) {
		c.reporter = r
	}
}

// WithClock sets the clock used for task deadlines.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) {
		if clk != nil {
			c.clock = clk
		}
	}
}

type pendingTask struct {
	task     watch.Task
	done     watch.ParseCallback
	deadline time.Time
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

// Channel is the parent side of the worker protocol.
type Channel struct {
	cfg      Config
	logger   *zap.Logger
	reporter watch.Reporter
	clock    clock.Clock

	mu      sync.Mutex
	ctx     context.Context
	proc    *process
	nextID  uint64
	pending map[uint64]*pendingTask
	started bool
	stopped bool
	stopCh  chan struct{}

	// writeMu serializes frames on stdin without holding mu during a
	// potentially blocking pipe write.
	writeMu sync.Mutex
}

// NewChannel returns a Channel that is not yet running.
func NewChannel(cfg Config, opts ...Option) *Channel {
	c := &Channel{
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		clock:   clock.New(),
		pending: make(map[uint64]*pendingTask),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the worker process. Cancelling ctx stops the channel.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("parse worker already started")
	}
	c.started = true
	c.ctx = ctx
	err := c.spawnLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	go c.sweep()
	go func() {
		select {
		case <-ctx.Done():
			if err := c.Stop(context.Background()); err != nil {
				c.logger.Warn("stop parse worker", zap.Error(err))
			}
		case <-c.stopCh:
		}
	}()
	return nil
}

func (c *Channel) command() ([]string, error) {
	if len(c.cfg.Command) > 0 {
		return c.cfg.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return []string{exe, "parse-worker"}, nil
}

// spawnLocked starts a new process. c.mu must be held.
func (c *Channel) spawnLocked() error {
	argv, err := c.command()
	if err != nil {
		return err
	}
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv comes from configuration
	cmd.Env = append(os.Environ(), c.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start parse worker: %w", err)
	}

	proc := &process{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	c.proc = proc
	c.logger.Info("parse worker started", zap.Int("pid", cmd.Process.Pid))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.readResults(proc, stdout)
	}()
	go func() {
		defer readers.Done()
		c.readErrors(stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		c.handleExit(proc, err)
	}()
	return nil
}

// Submit assigns the next request id to task and writes it to the worker.
// When Submit returns nil, done is invoked exactly once, with either the
// parse result or one of watch.ErrWorkerRestarted, watch.ErrWorkerStopped
// or watch.ErrTaskExpired. When Submit returns an error, done is never
// invoked.
func (c *Channel) Submit(task watch.Task, done watch.ParseCallback) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return watch.ErrWorkerStopped
	}
	proc := c.proc
	if proc == nil {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.nextID++
	task.ID = c.nextID
	payload, err := encodeTask(task)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("encode task: %w", err)
	}
	c.pending[task.ID] = &pendingTask{
		task:     task,
		done:     done,
		deadline: c.clock.Now().Add(c.cfg.TaskTimeout),
	}
	metrics.SetWorkerPending(len(c.pending))
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = proc.stdin.Write(framing.Encode(payload))
	c.writeMu.Unlock()
	if err != nil {
		if c.take(task.ID) == nil {
			// The exit handler already failed the task.
			return nil
		}
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}

// Pending reports the number of tasks awaiting a result.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop kills the worker and fails pending tasks with watch.ErrWorkerStopped.
// A process that already exited is not an error.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	proc := c.proc
	c.mu.Unlock()

	if proc == nil {
		c.failAll(watch.ErrWorkerStopped)
		return nil
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill parse worker: %w", err)
	}
	select {
	case <-proc.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) take(id uint64) *pendingTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	metrics.SetWorkerPending(len(c.pending))
	return p
}

func (c *Channel) failAll(err error) {
	c.mu.Lock()
	failed := c.pending
	c.pending = make(map[uint64]*pendingTask)
	metrics.SetWorkerPending(0)
	c.mu.Unlock()

	for _, p := range failed {
		p.done(p.task, watch.ParseResult{}, err)
	}
}

func (c *Channel) readResults(proc *process, stdout io.Reader) {
	dec := framing.NewDecoder(c.cfg.MaxPacket)
	err := framing.ReadPackets(stdout, dec, func(packet []byte) error {
		c.handleResult(packet)
		return nil
	})
	if err == nil {
		return
	}
	// A corrupt stream cannot be resynchronized; the restart recovers it.
	metrics.IncWorkerProtocolErrors()
	c.logger.Error("parse worker stream corrupt", zap.Error(err))
	c.report(fmt.Sprintf("PARSING WORKER ERROR:\n\n%v", err))
	if killErr := proc.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		c.logger.Warn("kill parse worker", zap.Error(killErr))
	}
	_, _ = io.Copy(io.Discard, stdout)
}

func (c *Channel) handleResult(packet []byte) {
	id, res, err := decodeResult(packet)
	if err != nil {
		metrics.IncWorkerProtocolErrors()
		c.logger.Warn("undecodable worker result", zap.Error(err))
		return
	}
	p := c.take(id)
	if p == nil {
		metrics.IncWorkerProtocolErrors()
		c.logger.Warn("worker result for unknown task",
			zap.Uint64("request_id", id), zap.Error(watch.ErrProtocolViolation))
		return
	}
	// Callbacks may Submit again; running them here could stall the reader
	// behind a full stdin pipe.
	go p.done(p.task, res, nil)
}

func (c *Channel) readErrors(stderr io.Reader) {
	buf := make([]byte, stderrChunk)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			text := string(buf[:n])
			c.logger.Error("parse worker stderr", zap.String("output", text))
			c.report("PARSING WORKER ERROR:\n\n" + text)
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) handleExit(proc *process, waitErr error) {
	c.mu.Lock()
	if c.proc == proc {
		c.proc = nil
	}
	close(proc.exited)
	stopped := c.stopped
	c.mu.Unlock()

	if stopped {
		c.logger.Info("parse worker stopped")
		c.failAll(watch.ErrWorkerStopped)
		return
	}

	metrics.IncWorkerRestarts()
	c.logger.Warn("parse worker exited unexpectedly", zap.Error(waitErr))
	c.failAll(watch.ErrWorkerRestarted)
	go c.restart()
}

func (c *Channel) restart() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(c.cfg.RestartBackoff):
		}
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		err := c.spawnLocked()
		c.mu.Unlock()
		if err == nil {
			return
		}
		c.logger.Error("restart parse worker", zap.Error(err))
	}
}

func (c *Channel) sweep() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.expire(c.clock.Now())
		}
	}
}

// expire fails every task whose deadline is before now.
func (c *Channel) expire(now time.Time) {
	c.mu.Lock()
	var expired []*pendingTask
	for id, p := range c.pending {
		if p.deadline.Before(now) {
			expired = append(expired, p)
			delete(c.pending, id)
		}
	}
	metrics.SetWorkerPending(len(c.pending))
	c.mu.Unlock()

	for _, p := range expired {
		c.logger.Warn("parse task expired", zap.Uint64("request_id", p.task.ID), zap.String("url", p.task.URL))
		p.done(p.task, watch.ParseResult{}, watch.ErrTaskExpired)
	}
}

func (c *Channel) report(text string) {
	if c.reporter == nil {
		return
	}
	ctx := context.Background()
	c.mu.Lock()
	if c.ctx != nil {
		ctx = context.WithoutCancel(c.ctx)
	}
	c.mu.Unlock()
	c.reporter.Report(ctx, text)
}
