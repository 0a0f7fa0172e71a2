// Package turnwire provides a turn-based client for agent-host subprocesses.
//
// An agent host is an external program speaking newline-delimited JSON-RPC
// over its stdin/stdout. turnwire spawns it, keeps it alive across turns,
// and exposes a conversational model on top of the wire protocol:
//
//   - [Thread] vocabulary — a persisted conversation context identified by an
//     opaque host-assigned id, resumable across client restarts
//   - Turn — one unit of agent work against a thread, streaming deltas while
//     it runs and ending in a terminal [TurnStatus]
//
// The root package defines the shared vocabulary: [TurnHandlers] for streamed
// output, [TurnResult] for terminal outcomes, [Settings] for everything the
// host application supplies, and the sentinel errors every operation can
// return. The protocol client itself lives in the appserver package.
//
// # Quick Start
//
//	client := appserver.New(settings)
//	res, err := client.SendTurn(ctx, "summarize my notes", turnwire.TurnHandlers{
//	    OnDelta: func(s string) { fmt.Print(s) },
//	})
//	if err != nil { log.Fatal(err) }
//	fmt.Println(res.Status)
package turnwire

// TurnStatus is the terminal status of a turn as reported by the agent host.
type TurnStatus string

const (
	// TurnCompleted means the turn finished normally.
	TurnCompleted TurnStatus = "completed"

	// TurnFailed means the agent host reported the turn as failed.
	TurnFailed TurnStatus = "failed"

	// TurnInterrupted means the turn was stopped before completion.
	TurnInterrupted TurnStatus = "interrupted"
)

// TurnResult is the terminal outcome of a turn.
type TurnResult struct {
	// ThreadID is the conversation thread the turn ran against.
	ThreadID string

	// TurnID is the host-assigned identifier for the turn.
	TurnID string

	// Status is the terminal status reported by the host.
	Status TurnStatus

	// ErrorMessage carries the host's error text for non-completed turns.
	ErrorMessage string
}

// TurnHandlers are the per-turn streaming callbacks passed to SendTurn.
//
// Handlers are invoked synchronously on the client's dispatch goroutine, in
// the exact order their underlying notifications arrived on the wire. A slow
// handler backpressures delivery of every subsequent line from the agent
// host, so handlers must not block and must not call back into the client —
// offload heavy work to another goroutine.
//
// Any handler may be nil; nil handlers drop their events.
type TurnHandlers struct {
	// OnDelta receives incremental agent message text.
	OnDelta func(text string)

	// OnToolDelta receives incremental tool output (command execution,
	// file changes).
	OnToolDelta func(text string)

	// OnSystem receives turn-scoped diagnostic messages (retryable agent
	// errors, non-completed terminal statuses).
	OnSystem func(text string)
}

// Settings is everything the host application supplies to the client.
// Read on demand at each use site — a provider may change values between
// reads (e.g. the user edits configuration while the client is running).
type Settings struct {
	// Command is the agent host launch command as an argv vector.
	Command []string

	// WorkingDir is the explicit working directory for the subprocess.
	// Empty means fall back to the client's vault root.
	WorkingDir string

	// Model is the model the host should use for new threads.
	Model string

	// ApprovalPolicy is the host-side approval policy for new threads
	// (e.g. "on-request", "never").
	ApprovalPolicy string

	// SandboxMode is the host-side sandbox mode for new threads
	// (e.g. "read-only", "workspace-write").
	SandboxMode string

	// AutoApprove answers every approval request from the host
	// affirmatively without user interaction.
	AutoApprove bool

	// PersistThreads enables resuming LastThreadID on the next start.
	PersistThreads bool

	// LastThreadID is the previously persisted thread id, if any.
	LastThreadID string
}

// SettingsProvider supplies Settings on demand. Pure read: the client never
// mutates anything through it.
type SettingsProvider interface {
	Settings() Settings
}

// SettingsFunc adapts a function to the SettingsProvider interface.
type SettingsFunc func() Settings

// Settings implements SettingsProvider.
func (f SettingsFunc) Settings() Settings { return f() }

// StaticSettings is a SettingsProvider that always returns the same value.
type StaticSettings Settings

// Settings implements SettingsProvider.
func (s StaticSettings) Settings() Settings { return Settings(s) }
