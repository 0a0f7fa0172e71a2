package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/draftnote/turnwire"
)

// Client drives one agent-host subprocess over newline-delimited JSON-RPC.
// One live connection per instance; a restart is a full dispose-then-start
// cycle, never an in-place repair.
//
// A single mutex guards the subprocess handle, the current thread id, the
// pending-turn table and the pre-turn buffers. Entries are independent once
// created, so no finer-grained locking is needed.
type Client struct {
	settings turnwire.SettingsProvider
	opts     Options
	log      *zap.Logger

	mu       sync.Mutex
	conn     *Conn
	cmd      *exec.Cmd
	disposed bool

	// starting is non-nil while a start attempt is in flight; concurrent
	// callers wait on it instead of spawning a second subprocess.
	starting chan struct{}
	startErr error

	threadID string

	// resolveMu serializes thread resolution so concurrent turns with no
	// current thread share one thread/start instead of racing two.
	resolveMu sync.Mutex

	// Turn bookkeeping. See turn.go.
	pendingTurns  map[string]*pendingTurn
	preDeltas     map[string][]string
	preToolDeltas map[string][]string
	preResults    map[string]*turnwire.TurnResult
	deltaSeen     map[string]struct{}
	resolvedTurns map[string]struct{}
}

// New creates a Client. The subprocess is started lazily on first use.
func New(settings turnwire.SettingsProvider, opts ...Option) *Client {
	o := resolveOptions(opts...)
	return &Client{
		settings:      settings,
		opts:          o,
		log:           o.Logger,
		pendingTurns:  make(map[string]*pendingTurn),
		preDeltas:     make(map[string][]string),
		preToolDeltas: make(map[string][]string),
		preResults:    make(map[string]*turnwire.TurnResult),
		deltaSeen:     make(map[string]struct{}),
		resolvedTurns: make(map[string]struct{}),
	}
}

// Start ensures the agent host subprocess is running and handshaken.
// Idempotent: a live subprocess returns immediately, and concurrent callers
// share a single in-flight attempt — never a duplicate spawn.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return turnwire.ErrStopped
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if ch := c.starting; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			return nil
		}
		return c.startErr
	}
	ch := make(chan struct{})
	c.starting = ch
	c.mu.Unlock()

	err := c.startLocked(ctx)

	c.mu.Lock()
	c.startErr = err
	c.starting = nil
	c.mu.Unlock()
	close(ch)
	return err
}

// startLocked spawns the subprocess, wires the connection, and performs the
// handshake. Runs with the start slot held (c.starting), not with c.mu.
func (c *Client) startLocked(ctx context.Context) error {
	settings := c.settings.Settings()
	if len(settings.Command) == 0 {
		return fmt.Errorf("appserver: no agent host command configured: %w", turnwire.ErrNotRunning)
	}

	cwd := settings.WorkingDir
	if cwd == "" && c.opts.VaultRoot != nil {
		cwd = c.opts.VaultRoot()
	}

	cmd := exec.Command(settings.Command[0], settings.Command[1:]...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("appserver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("appserver: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("appserver: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("appserver: start agent host: %w", err)
	}
	c.log.Info("agent host started",
		zap.String("command", settings.Command[0]),
		zap.String("cwd", cwd),
		zap.Int("pid", cmd.Process.Pid))

	conn := newConn(stdout, stdin, connConfig{
		requestTimeout: c.opts.RequestTimeout,
		maxLineSize:    c.opts.MaxLineSize,
		onBadLine: func(line string) {
			c.systemMessage("agent host sent malformed output: " + truncateLine(line))
		},
	})
	c.wireConn(conn)

	go c.stderrLoop(stderr)
	go func() {
		conn.ReadLoop()
		c.handleConnExit(conn, func() error { return waitExit(cmd) })
	}()

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	if err := c.handshake(hsCtx, conn); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	// Re-check terminal states before committing the handle. A Dispose that
	// raced the handshake saw a nil cmd and killed nothing, so the kill is
	// ours to do; a host that died after the handshake must not be
	// installed, because its exit monitor already ran and found nothing to
	// clear.
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = cmd.Process.Kill()
		return turnwire.ErrStopped
	}
	select {
	case <-conn.Done():
		c.mu.Unlock()
		_ = cmd.Process.Kill()
		return fmt.Errorf("appserver: agent host exited during startup: %w", turnwire.ErrNotRunning)
	default:
	}
	c.conn = conn
	c.cmd = cmd
	c.mu.Unlock()
	return nil
}

// handshake announces client identity and capabilities, then signals
// readiness. Both frames are required before any thread or turn traffic.
func (c *Client) handshake(ctx context.Context, conn *Conn) error {
	params := initializeParams{
		ClientInfo:   clientInfo{Name: clientName, Title: "turnwire", Version: clientVersion},
		Capabilities: clientCapabilities{ExperimentalAPI: true},
	}
	var result initializeResult
	if err := conn.Call(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("appserver: initialize: %w", err)
	}
	if err := conn.Notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("appserver: initialized: %w", err)
	}
	c.log.Debug("handshake complete", zap.String("userAgent", result.UserAgent))
	return nil
}

// wireConn registers every notification and server-request handler.
// Handlers must be in place before ReadLoop starts.
func (c *Client) wireConn(conn *Conn) {
	conn.OnNotification(NotifyThreadStarted, c.handleThreadStarted)
	conn.OnNotification(NotifyAgentDelta, c.handleAgentDelta)
	conn.OnNotification(NotifyCommandDelta, c.handleToolDelta)
	conn.OnNotification(NotifyFileChangeDelta, c.handleToolDelta)
	conn.OnNotification(NotifyItemCompleted, c.handleItemCompleted)
	conn.OnNotification(NotifyTurnCompleted, c.handleTurnCompleted)
	conn.OnNotification(NotifyError, c.handleTurnError)

	// Consumed without side effects: lifecycle echoes and usage metering.
	conn.OnNotification(NotifyTurnStarted, func(json.RawMessage) {})
	conn.OnNotification(NotifyItemStarted, func(json.RawMessage) {})
	conn.OnNotification(NotifyTokenUsage, func(json.RawMessage) {})

	c.wireServerRequests(conn)
}

// handleConnExit runs after ReadLoop returns: it reaps the subprocess,
// fails everything in flight with the exit reason, and clears the handle.
// Nothing survives an exit — recovery is a caller-level Start or Restart.
func (c *Client) handleConnExit(conn *Conn, wait func() error) {
	exitErr := wait()

	c.mu.Lock()
	active := c.conn == conn
	disposed := c.disposed
	if active {
		c.conn = nil
		c.cmd = nil
		c.threadID = ""
	}
	var turns map[string]*pendingTurn
	if active {
		turns = c.takeTurnsLocked()
	}
	c.mu.Unlock()

	conn.failPending(exitErr)
	for _, pt := range turns {
		pt.done <- turnOutcome{err: exitErr}
	}

	if active && !disposed {
		c.log.Warn("agent host exited", zap.Error(exitErr))
		c.systemMessage(exitErr.Error())
	}
}

// waitExit reaps the subprocess and always returns a non-nil synthetic
// error describing why everything in flight failed.
func waitExit(cmd *exec.Cmd) error {
	err := cmd.Wait()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &turnwire.ExitError{Code: ee.ExitCode(), Err: err}
	}
	if err != nil {
		return &turnwire.ExitError{Code: -1, Err: err}
	}
	return &turnwire.ExitError{Code: 0}
}

// Dispose stops the client: every outstanding request and turn is rejected
// with ErrStopped, the subprocess is force-killed, and all buffers are
// cleared. The client stays unusable until Restart.
func (c *Client) Dispose() {
	c.mu.Lock()
	c.disposed = true
	conn := c.conn
	cmd := c.cmd
	c.conn = nil
	c.cmd = nil
	c.threadID = ""
	turns := c.takeTurnsLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.failPending(turnwire.ErrStopped)
	}
	for _, pt := range turns {
		pt.done <- turnOutcome{err: turnwire.ErrStopped}
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	c.log.Info("client disposed")
}

// Restart is a full reset: dispose, clear the disposed flag, start.
func (c *Client) Restart(ctx context.Context) error {
	c.Dispose()
	c.mu.Lock()
	c.disposed = false
	c.mu.Unlock()
	return c.Start(ctx)
}

// ThreadID returns the current thread id, or "" if none is attached.
func (c *Client) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// takeTurnsLocked removes and returns every pending turn, marking each
// resolved so a late terminal notification is a no-op. Clears the pre-turn
// buffers — their turn ids die with the connection. Caller holds c.mu.
func (c *Client) takeTurnsLocked() map[string]*pendingTurn {
	turns := c.pendingTurns
	c.pendingTurns = make(map[string]*pendingTurn)
	for id := range turns {
		c.resolvedTurns[id] = struct{}{}
	}
	c.preDeltas = make(map[string][]string)
	c.preToolDeltas = make(map[string][]string)
	c.preResults = make(map[string]*turnwire.TurnResult)
	c.deltaSeen = make(map[string]struct{})
	return turns
}

// liveConn returns the current connection or ErrNotRunning. Writes are
// never queued: no subprocess, no send.
func (c *Client) liveConn() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, turnwire.ErrStopped
	}
	if c.conn == nil {
		return nil, turnwire.ErrNotRunning
	}
	return c.conn, nil
}

// call issues a correlated request on the live connection.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	c.log.Debug("request", zap.String("method", method))
	return conn.Call(ctx, method, params, result)
}

// systemMessage delivers a diagnostic event not tied to an in-flight turn.
func (c *Client) systemMessage(text string) {
	if f := c.opts.OnSystemMessage; f != nil {
		f(text)
	}
}

// stderrNoise lists substrings of known-noisy agent host stderr lines that
// are suppressed rather than surfaced.
var stderrNoise = []string{
	"OpenTelemetry",
	"update check",
	"No .env file found",
}

// stderrLoop surfaces agent host stderr as prefixed system messages,
// dropping lines on the noise denylist.
func (c *Client) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), defaultMaxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isStderrNoise(line) {
			continue
		}
		c.log.Debug("agent stderr", zap.String("line", line))
		c.systemMessage("[agent] " + line)
	}
}

func isStderrNoise(line string) bool {
	for _, noise := range stderrNoise {
		if strings.Contains(line, noise) {
			return true
		}
	}
	return false
}

// truncateLine caps diagnostic copies of wire lines.
func truncateLine(line string) string {
	const max = 200
	if len(line) <= max {
		return line
	}
	return line[:max] + "…"
}
