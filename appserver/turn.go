package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/draftnote/turnwire"
)

// Turn multiplexing.
//
// The agent host may emit events for a turn id before the synchronous
// turn/start response carrying that id has been processed — the "you may now
// expect events for X" signal and "X's identity" arrive on different control
// paths. Events that arrive in that window land in the pre-turn buffers and
// drain, in arrival order, the moment SendTurn registers handlers. The
// buffers are discarded after the drain and never retained.
//
// Handler callbacks run under the client mutex on the dispatch goroutine:
// registration drains buffers and installs handlers atomically, so a delta
// parsed after registration can never overtake a buffered one.

// pendingTurn is one live turn: exactly one exists per turn id.
type pendingTurn struct {
	handlers turnwire.TurnHandlers
	done     chan turnOutcome // buffered 1; at-most-once settlement
	started  time.Time
}

type turnOutcome struct {
	result turnwire.TurnResult
	err    error
}

// SendTurn runs one unit of agent work against the current thread, streaming
// events to handlers while it runs, and returns the turn's terminal result.
// Blocks until completion, the turn timeout, or ctx cancellation.
func (c *Client) SendTurn(ctx context.Context, prompt string, handlers turnwire.TurnHandlers) (turnwire.TurnResult, error) {
	var zero turnwire.TurnResult

	if err := c.Start(ctx); err != nil {
		return zero, err
	}
	threadID, err := c.ensureThread(ctx)
	if err != nil {
		return zero, err
	}

	// Optional override fields ride along explicitly nulled — the host
	// requires the keys present even when unset.
	params := turnStartParams{
		ThreadID: threadID,
		Input:    []inputItem{{Type: "text", Text: prompt}},
	}
	var result turnStartResult
	if err := c.call(ctx, MethodTurnStart, params, &result); err != nil {
		return zero, err
	}
	turnID := result.Turn.ID
	if turnID == "" {
		return zero, fmt.Errorf("appserver: turn/start returned no turn id: %w", turnwire.ErrProtocol)
	}
	c.log.Debug("turn started", zap.String("threadId", threadID), zap.String("turnId", turnID))

	pt := &pendingTurn{
		handlers: handlers,
		done:     make(chan turnOutcome, 1),
		started:  time.Now(),
	}
	if res, done := c.registerTurn(turnID, pt); done {
		// Terminal result arrived before registration.
		return res, nil
	}

	timer := time.NewTimer(c.opts.TurnTimeout)
	defer timer.Stop()

	select {
	case out := <-pt.done:
		return out.result, out.err
	case <-timer.C:
		c.abandonTurn(turnID)
		select {
		case out := <-pt.done: // completion raced the timer
			return out.result, out.err
		default:
		}
		return zero, fmt.Errorf("appserver: turn %s: no completion within %s: %w",
			turnID, c.opts.TurnTimeout, turnwire.ErrTimeout)
	case <-ctx.Done():
		c.abandonTurn(turnID)
		select {
		case out := <-pt.done:
			return out.result, out.err
		default:
		}
		return zero, ctx.Err()
	}
}

// registerTurn installs handlers for turnID and drains anything that arrived
// early: buffered deltas and tool deltas in arrival order, then a buffered
// terminal result if the turn already finished. Returns (result, true) when
// the turn resolved during registration.
func (c *Client) registerTurn(turnID string, pt *pendingTurn) (turnwire.TurnResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deltas := c.preDeltas[turnID]
	toolDeltas := c.preToolDeltas[turnID]
	early := c.preResults[turnID]
	delete(c.preDeltas, turnID)
	delete(c.preToolDeltas, turnID)
	delete(c.preResults, turnID)

	for _, d := range deltas {
		if pt.handlers.OnDelta != nil {
			pt.handlers.OnDelta(d)
		}
	}
	for _, d := range toolDeltas {
		if pt.handlers.OnToolDelta != nil {
			pt.handlers.OnToolDelta(d)
		}
	}

	if early != nil {
		c.resolvedTurns[turnID] = struct{}{}
		delete(c.deltaSeen, turnID)
		c.notifyTurnStatusLocked(pt, *early)
		return *early, true
	}

	c.pendingTurns[turnID] = pt
	return turnwire.TurnResult{}, false
}

// abandonTurn removes a pending turn after a local timeout or cancellation.
// The id is marked resolved so a late terminal notification is a no-op.
func (c *Client) abandonTurn(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingTurns, turnID)
	delete(c.deltaSeen, turnID)
	c.resolvedTurns[turnID] = struct{}{}
}

// --- Notification handlers (dispatch goroutine) ---

// handleAgentDelta forwards incremental agent text, marking the turn as
// having streamed so the final item/completed copy is suppressed.
func (c *Client) handleAgentDelta(params json.RawMessage) {
	var p itemDeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.TurnID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.resolvedTurns[p.TurnID]; done {
		return
	}
	c.deltaSeen[p.TurnID] = struct{}{}
	if pt, ok := c.pendingTurns[p.TurnID]; ok {
		if pt.handlers.OnDelta != nil {
			pt.handlers.OnDelta(p.Delta)
		}
		return
	}
	c.preDeltas[p.TurnID] = append(c.preDeltas[p.TurnID], p.Delta)
}

// handleToolDelta forwards command-execution and file-change output deltas.
func (c *Client) handleToolDelta(params json.RawMessage) {
	var p itemDeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.TurnID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pt, ok := c.pendingTurns[p.TurnID]; ok {
		if pt.handlers.OnToolDelta != nil {
			pt.handlers.OnToolDelta(p.Delta)
		}
		return
	}
	if _, done := c.resolvedTurns[p.TurnID]; !done {
		c.preToolDeltas[p.TurnID] = append(c.preToolDeltas[p.TurnID], p.Delta)
	}
}

// handleItemCompleted forwards a full agent message only when the turn never
// streamed it incrementally, so content is emitted exactly once.
func (c *Client) handleItemCompleted(params json.RawMessage) {
	var p itemCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if p.Item.Type != itemTypeAgentMessage || p.Item.Text == "" || p.TurnID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, streamed := c.deltaSeen[p.TurnID]; streamed {
		return
	}
	if pt, ok := c.pendingTurns[p.TurnID]; ok {
		if pt.handlers.OnDelta != nil {
			pt.handlers.OnDelta(p.Item.Text)
		}
		return
	}
	if _, done := c.resolvedTurns[p.TurnID]; !done {
		c.preDeltas[p.TurnID] = append(c.preDeltas[p.TurnID], p.Item.Text)
	}
}

// handleTurnError routes a turn-scoped error notification. A registered turn
// sees it on its own system channel; an unregistered one escalates to the
// top-level channel only when the host will not retry.
func (c *Client) handleTurnError(params json.RawMessage) {
	var p errorNotifParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	text := "agent error: " + p.Error.Message
	if p.WillRetry {
		text = "agent error (retrying): " + p.Error.Message
	}

	c.mu.Lock()
	pt, registered := c.pendingTurns[p.TurnID]
	if registered && pt.handlers.OnSystem != nil {
		pt.handlers.OnSystem(text)
	}
	c.mu.Unlock()

	if !registered && !p.WillRetry {
		c.systemMessage(text)
	}
}

// handleTurnCompleted settles a turn: resolve the registered waiter, or
// stash the result for a registration still in flight. Duplicate terminal
// notifications for an already-settled id are no-ops.
func (c *Client) handleTurnCompleted(params json.RawMessage) {
	var p turnCompletedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Turn.ID == "" {
		return
	}
	res := turnwire.TurnResult{
		ThreadID: p.ThreadID,
		TurnID:   p.Turn.ID,
		Status:   turnStatus(p.Turn.Status),
	}
	if p.Turn.Error != nil {
		res.ErrorMessage = p.Turn.Error.Message
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.resolvedTurns[p.Turn.ID]; done {
		return
	}
	delete(c.deltaSeen, p.Turn.ID)

	pt, ok := c.pendingTurns[p.Turn.ID]
	if !ok {
		c.preResults[p.Turn.ID] = &res
		return
	}
	delete(c.pendingTurns, p.Turn.ID)
	c.resolvedTurns[p.Turn.ID] = struct{}{}
	c.notifyTurnStatusLocked(pt, res)
	pt.done <- turnOutcome{result: res}
	c.log.Debug("turn completed",
		zap.String("turnId", p.Turn.ID),
		zap.String("status", string(res.Status)),
		zap.Duration("elapsed", time.Since(pt.started)))
}

// notifyTurnStatusLocked surfaces a non-completed terminal status on the
// turn's system channel before the result settles.
func (c *Client) notifyTurnStatusLocked(pt *pendingTurn, res turnwire.TurnResult) {
	if res.Status == turnwire.TurnCompleted || pt.handlers.OnSystem == nil {
		return
	}
	text := "turn " + string(res.Status)
	if res.ErrorMessage != "" {
		text += ": " + res.ErrorMessage
	}
	pt.handlers.OnSystem(text)
}

// handleThreadStarted adopts the announced thread id. Idempotent when the
// caller already holds it from the thread/start response.
func (c *Client) handleThreadStarted(params json.RawMessage) {
	var p threadResult
	if err := json.Unmarshal(params, &p); err != nil || p.Thread.ID == "" {
		return
	}
	c.adoptThreadID(p.Thread.ID)
}

// turnStatus maps a wire status to the vocabulary type, defaulting unknown
// values to failed rather than inventing a status.
func turnStatus(s string) turnwire.TurnStatus {
	switch turnwire.TurnStatus(s) {
	case turnwire.TurnCompleted, turnwire.TurnFailed, turnwire.TurnInterrupted:
		return turnwire.TurnStatus(s)
	default:
		return turnwire.TurnFailed
	}
}
