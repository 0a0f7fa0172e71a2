package appserver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftnote/turnwire"
)

// settingsStub is a mutable SettingsProvider for tests.
type settingsStub struct {
	mu sync.Mutex
	s  turnwire.Settings
}

func (s *settingsStub) Settings() turnwire.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

func (s *settingsStub) update(f func(*turnwire.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.s)
}

// clientHarness is a Client wired to a testPeer over io.Pipe, bypassing the
// subprocess: the peer plays the agent host, the injected wait function plays
// process reaping.
type clientHarness struct {
	c        *Client
	peer     *testPeer
	settings *settingsStub

	mu         sync.Mutex
	deltas     []string
	toolDeltas []string
	turnSystem []string // per-turn OnSystem
	system     []string // top-level OnSystemMessage
	threads    []string
}

func newTestClient(t *testing.T, opts ...Option) *clientHarness {
	t.Helper()

	h := &clientHarness{settings: &settingsStub{}}
	base := []Option{
		WithOnSystemMessage(func(text string) {
			h.mu.Lock()
			h.system = append(h.system, text)
			h.mu.Unlock()
		}),
		WithOnThreadIDChanged(func(id string) {
			h.mu.Lock()
			h.threads = append(h.threads, id)
			h.mu.Unlock()
		}),
	}
	h.c = New(h.settings, append(base, opts...)...)

	// Client reads pr1 / writes pw2; peer reads pr2 / writes pw1.
	pr1, pw1 := io.Pipe()
	pr2, pw2 := io.Pipe()
	conn := newConn(pr1, pw2, connConfig{})
	h.c.wireConn(conn)
	h.c.mu.Lock()
	h.c.conn = conn
	h.c.mu.Unlock()
	go func() {
		conn.ReadLoop()
		h.c.handleConnExit(conn, func() error { return &turnwire.ExitError{Code: 1} })
	}()
	h.peer = newPeer(pr2, pw1)

	t.Cleanup(func() {
		pw1.Close()
		pw2.Close()
		pr1.Close()
		pr2.Close()
	})
	return h
}

// setThread attaches a thread id directly, skipping thread/start traffic.
func (h *clientHarness) setThread(id string) {
	h.c.mu.Lock()
	h.c.threadID = id
	h.c.mu.Unlock()
}

func (h *clientHarness) handlers() turnwire.TurnHandlers {
	return turnwire.TurnHandlers{
		OnDelta: func(s string) {
			h.mu.Lock()
			h.deltas = append(h.deltas, s)
			h.mu.Unlock()
		},
		OnToolDelta: func(s string) {
			h.mu.Lock()
			h.toolDeltas = append(h.toolDeltas, s)
			h.mu.Unlock()
		},
		OnSystem: func(s string) {
			h.mu.Lock()
			h.turnSystem = append(h.turnSystem, s)
			h.mu.Unlock()
		},
	}
}

type sendOutcome struct {
	res turnwire.TurnResult
	err error
}

// send runs SendTurn in its own goroutine so the test goroutine can script
// the peer side.
func (h *clientHarness) send(ctx context.Context, prompt string) <-chan sendOutcome {
	out := make(chan sendOutcome, 1)
	go func() {
		res, err := h.c.SendTurn(ctx, prompt, h.handlers())
		out <- sendOutcome{res: res, err: err}
	}()
	return out
}

func (h *clientHarness) wait(t *testing.T, out <-chan sendOutcome) sendOutcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(testTimeout):
		t.Fatal("SendTurn never returned")
		return sendOutcome{}
	}
}

var fenceSeq int

// fence guarantees every notification injected before it has been dispatched:
// the read loop is sequential, so once the fence's thread/started lands in the
// threads collector, everything ahead of it has been handled.
func (h *clientHarness) fence(t *testing.T) {
	t.Helper()
	fenceSeq++
	id := fmt.Sprintf("fence-%d", fenceSeq)
	h.peer.notify(t, NotifyThreadStarted, threadResult{Thread: threadInfo{ID: id}})
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, th := range h.threads {
			if th == id {
				return true
			}
		}
		return false
	}, testTimeout, time.Millisecond)
}

func (h *clientHarness) snapshot() (deltas, toolDeltas, turnSystem, system []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deltas...),
		append([]string(nil), h.toolDeltas...),
		append([]string(nil), h.turnSystem...),
		append([]string(nil), h.system...)
}

func completedTurn(threadID, turnID string) turnCompletedParams {
	return turnCompletedParams{
		ThreadID: threadID,
		Turn:     turnInfo{ID: turnID, Status: "completed"},
	}
}

func TestSendTurn_StreamsDeltas(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "hello agent")

	req := h.peer.readFrame(t)
	require.Equal(t, MethodTurnStart, req.Method)
	raw := string(req.Params)
	assert.Contains(t, raw, `"threadId":"th_1"`)
	assert.Contains(t, raw, `"text":"hello agent"`)
	// Optional overrides ride along as explicit nulls, never absent.
	assert.Contains(t, raw, `"effort":null`)
	assert.Contains(t, raw, `"model":null`)
	assert.Contains(t, raw, `"sandboxMode":null`)
	assert.Contains(t, raw, `"outputSchema":null`)

	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_1"}})
	h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "a"})
	h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "b"})
	h.peer.notify(t, NotifyCommandDelta, itemDeltaParams{TurnID: "turn_1", Delta: "$ ls\n"})
	h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "c"})
	h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_1"))

	o := h.wait(t, out)
	require.NoError(t, o.err)
	assert.Equal(t, "th_1", o.res.ThreadID)
	assert.Equal(t, "turn_1", o.res.TurnID)
	assert.Equal(t, turnwire.TurnCompleted, o.res.Status)

	deltas, toolDeltas, turnSystem, _ := h.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, deltas)
	assert.Equal(t, []string{"$ ls\n"}, toolDeltas)
	assert.Empty(t, turnSystem, "a completed turn emits no status message")
}

func TestSendTurn_EarlyEventsBuffered(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "go")

	req := h.peer.readFrame(t)
	// Events for the turn land before its identity does: the host streams
	// ahead of the turn/start response.
	h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "a"})
	h.peer.notify(t, NotifyFileChangeDelta, itemDeltaParams{TurnID: "turn_1", Delta: "patch"})
	h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "b"})
	h.fence(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_1"}})
	h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "c"})
	h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_1"))

	o := h.wait(t, out)
	require.NoError(t, o.err)

	deltas, toolDeltas, _, _ := h.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, deltas, "buffered deltas drain before live ones")
	assert.Equal(t, []string{"patch"}, toolDeltas)

	h.c.mu.Lock()
	assert.Empty(t, h.c.preDeltas, "buffers are discarded after the drain")
	assert.Empty(t, h.c.preToolDeltas)
	h.c.mu.Unlock()
}

func TestSendTurn_ResultBeforeRegistration(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "fast")

	req := h.peer.readFrame(t)
	// The whole turn finishes before the turn/start response is answered.
	h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "done"})
	h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_1"))
	h.fence(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_1"}})

	o := h.wait(t, out)
	require.NoError(t, o.err)
	assert.Equal(t, turnwire.TurnCompleted, o.res.Status)
	assert.Equal(t, "turn_1", o.res.TurnID)

	deltas, _, _, _ := h.snapshot()
	assert.Equal(t, []string{"done"}, deltas)

	h.c.mu.Lock()
	assert.Empty(t, h.c.pendingTurns, "a pre-resolved turn never registers")
	assert.Empty(t, h.c.preResults)
	h.c.mu.Unlock()
}

func TestSendTurn_ItemCompletedFallback(t *testing.T) {
	t.Run("no deltas forwards full message", func(t *testing.T) {
		h := newTestClient(t)
		h.setThread("th_1")

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		out := h.send(ctx, "q")

		req := h.peer.readFrame(t)
		h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_1"}})
		item := itemCompletedParams{ThreadID: "th_1", TurnID: "turn_1"}
		item.Item.ID = "item_1"
		item.Item.Type = itemTypeAgentMessage
		item.Item.Text = "full answer"
		h.peer.notify(t, NotifyItemCompleted, item)
		h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_1"))

		require.NoError(t, h.wait(t, out).err)
		deltas, _, _, _ := h.snapshot()
		assert.Equal(t, []string{"full answer"}, deltas)
	})

	t.Run("streamed turn suppresses duplicate", func(t *testing.T) {
		h := newTestClient(t)
		h.setThread("th_1")

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		out := h.send(ctx, "q")

		req := h.peer.readFrame(t)
		h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_1"}})
		h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "hel"})
		h.peer.notify(t, NotifyAgentDelta, itemDeltaParams{TurnID: "turn_1", Delta: "lo"})
		item := itemCompletedParams{ThreadID: "th_1", TurnID: "turn_1"}
		item.Item.Type = itemTypeAgentMessage
		item.Item.Text = "hello"
		h.peer.notify(t, NotifyItemCompleted, item)
		h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_1"))

		require.NoError(t, h.wait(t, out).err)
		deltas, _, _, _ := h.snapshot()
		assert.Equal(t, []string{"hel", "lo"}, deltas, "the final full copy is dropped")
	})
}

func TestSendTurn_TurnTimeout(t *testing.T) {
	h := newTestClient(t, WithTurnTimeout(50*time.Millisecond))
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "stall")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_9"}})
	// No turn/completed ever arrives.

	o := h.wait(t, out)
	require.ErrorIs(t, o.err, turnwire.ErrTimeout)
	assert.Contains(t, o.err.Error(), "turn_9")

	// A late completion for the abandoned turn is a no-op.
	h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_9"))
	h.fence(t)

	h.c.mu.Lock()
	assert.Empty(t, h.c.pendingTurns)
	assert.Empty(t, h.c.preResults, "late result for a resolved turn is not stashed")
	h.c.mu.Unlock()
}

func TestSendTurn_ContextCanceled(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithCancel(context.Background())
	out := h.send(ctx, "never mind")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_2"}})

	// Let registration complete before canceling.
	require.Eventually(t, func() bool {
		h.c.mu.Lock()
		defer h.c.mu.Unlock()
		_, ok := h.c.pendingTurns["turn_2"]
		return ok
	}, testTimeout, time.Millisecond)
	cancel()

	o := h.wait(t, out)
	require.ErrorIs(t, o.err, context.Canceled)

	h.c.mu.Lock()
	assert.Empty(t, h.c.pendingTurns)
	h.c.mu.Unlock()
}

func TestSendTurn_ErrorNotifications(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "risky")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_3"}})
	h.peer.notify(t, NotifyError, errorNotifParams{
		TurnID: "turn_3", WillRetry: true, Error: errorInfo{Message: "rate limited"},
	})
	h.peer.notify(t, NotifyError, errorNotifParams{
		TurnID: "turn_3", WillRetry: false, Error: errorInfo{Message: "gave up"},
	})
	h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_3"))
	require.NoError(t, h.wait(t, out).err)

	// Errors for turns nobody is waiting on: only the non-retryable one
	// escalates to the top-level channel.
	h.peer.notify(t, NotifyError, errorNotifParams{
		TurnID: "ghost", WillRetry: true, Error: errorInfo{Message: "transient"},
	})
	h.peer.notify(t, NotifyError, errorNotifParams{
		TurnID: "ghost", WillRetry: false, Error: errorInfo{Message: "orphaned failure"},
	})
	h.fence(t)

	_, _, turnSystem, system := h.snapshot()
	assert.Equal(t, []string{
		"agent error (retrying): rate limited",
		"agent error: gave up",
	}, turnSystem)
	require.Len(t, system, 1)
	assert.Equal(t, "agent error: orphaned failure", system[0])
}

func TestSendTurn_FailedStatus(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "doomed")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_4"}})
	h.peer.notify(t, NotifyTurnCompleted, turnCompletedParams{
		ThreadID: "th_1",
		Turn:     turnInfo{ID: "turn_4", Status: "failed", Error: &errorInfo{Message: "model refused"}},
	})

	o := h.wait(t, out)
	require.NoError(t, o.err, "a failed turn is a result, not a transport error")
	assert.Equal(t, turnwire.TurnFailed, o.res.Status)
	assert.Equal(t, "model refused", o.res.ErrorMessage)

	_, _, turnSystem, _ := h.snapshot()
	require.Len(t, turnSystem, 1)
	assert.Equal(t, "turn failed: model refused", turnSystem[0])
}

func TestSendTurn_UnknownStatusMapsToFailed(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "odd")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_5"}})
	h.peer.notify(t, NotifyTurnCompleted, turnCompletedParams{
		ThreadID: "th_1",
		Turn:     turnInfo{ID: "turn_5", Status: "exploded"},
	})

	o := h.wait(t, out)
	require.NoError(t, o.err)
	assert.Equal(t, turnwire.TurnFailed, o.res.Status)
}

func TestSendTurn_DuplicateCompletedIgnored(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "once")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_6"}})
	h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_6"))
	require.NoError(t, h.wait(t, out).err)

	h.peer.notify(t, NotifyTurnCompleted, completedTurn("th_1", "turn_6"))
	h.fence(t)

	h.c.mu.Lock()
	assert.Empty(t, h.c.preResults, "duplicate terminal notification is dropped, not stashed")
	h.c.mu.Unlock()
}

func TestSendTurn_MissingTurnID(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "broken")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{})

	o := h.wait(t, out)
	require.ErrorIs(t, o.err, turnwire.ErrProtocol)
}

func TestDispose_RejectsOutstandingWork(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// One turn registered and streaming, one still blocked in turn/start.
	outA := h.send(ctx, "first")
	reqA := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, reqA), turnStartResult{Turn: turnInfo{ID: "turn_a"}})
	require.Eventually(t, func() bool {
		h.c.mu.Lock()
		defer h.c.mu.Unlock()
		_, ok := h.c.pendingTurns["turn_a"]
		return ok
	}, testTimeout, time.Millisecond)

	outB := h.send(ctx, "second")
	h.peer.readFrame(t) // turn/start for the second turn, never answered

	h.c.Dispose()

	oA := h.wait(t, outA)
	require.ErrorIs(t, oA.err, turnwire.ErrStopped)
	assert.Equal(t, turnwire.TurnResult{}, oA.res, "a rejection carries no result")
	oB := h.wait(t, outB)
	require.ErrorIs(t, oB.err, turnwire.ErrStopped)
	assert.Equal(t, turnwire.TurnResult{}, oB.res)

	h.c.mu.Lock()
	assert.Empty(t, h.c.pendingTurns)
	assert.Nil(t, h.c.conn)
	h.c.mu.Unlock()

	// Nothing new is accepted after disposal.
	_, err := h.c.SendTurn(ctx, "third", turnwire.TurnHandlers{})
	require.ErrorIs(t, err, turnwire.ErrStopped)
}

func TestSendTurn_HostExitFailsTurn(t *testing.T) {
	h := newTestClient(t)
	h.setThread("th_1")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out := h.send(ctx, "dying")

	req := h.peer.readFrame(t)
	h.peer.respond(t, reqID(t, req), turnStartResult{Turn: turnInfo{ID: "turn_7"}})
	require.Eventually(t, func() bool {
		h.c.mu.Lock()
		defer h.c.mu.Unlock()
		_, ok := h.c.pendingTurns["turn_7"]
		return ok
	}, testTimeout, time.Millisecond)

	h.peer.close()

	o := h.wait(t, out)
	code, ok := turnwire.ExitCode(o.err)
	require.True(t, ok, "turn fails with the exit error, got %v", o.err)
	assert.Equal(t, 1, code)

	assert.Empty(t, h.c.ThreadID(), "thread does not survive an exit")
	require.Eventually(t, func() bool {
		_, _, _, system := h.snapshot()
		for _, s := range system {
			if strings.Contains(s, "exited") {
				return true
			}
		}
		return false
	}, testTimeout, time.Millisecond)

	// Subsequent sends fail fast: no subprocess, no queueing.
	_, err := h.c.SendTurn(ctx, "again", turnwire.TurnHandlers{})
	require.Error(t, err)
}
