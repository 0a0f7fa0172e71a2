package appserver

import "encoding/json"

// Outbound method and notification names. Part of the external contract —
// the agent host matches on these exactly.
const (
	MethodInitialize   = "initialize"
	MethodInitialized  = "initialized" // notification
	MethodThreadStart  = "thread/start"
	MethodThreadResume = "thread/resume"
	MethodTurnStart    = "turn/start"
)

// Inbound notification names.
const (
	NotifyThreadStarted   = "thread/started"
	NotifyTurnStarted     = "turn/started"
	NotifyTurnCompleted   = "turn/completed"
	NotifyAgentDelta      = "item/agentMessage/delta"
	NotifyCommandDelta    = "item/commandExecution/outputDelta"
	NotifyFileChangeDelta = "item/fileChange/outputDelta"
	NotifyItemStarted     = "item/started"
	NotifyItemCompleted   = "item/completed"
	NotifyError           = "error"
	NotifyTokenUsage      = "thread/tokenUsage"
)

// Inbound server-request names (the host calls us).
const (
	MethodExecApproval        = "item/commandExecution/requestApproval"
	MethodPatchApproval       = "item/fileChange/requestApproval"
	MethodRequestUserInput    = "item/tool/requestUserInput"
	MethodToolCall            = "item/tool/call"
	MethodLegacyExecApproval  = "execCommandApproval"
	MethodLegacyPatchApproval = "applyPatchApproval"
)

// Client identity sent during the handshake.
const (
	clientName    = "turnwire"
	clientVersion = "0.1.0"
)

// itemTypeAgentMessage is the item discriminator for full agent messages
// inside item/completed notifications.
const itemTypeAgentMessage = "agentMessage"

// --- Handshake ---

type initializeParams struct {
	ClientInfo   clientInfo         `json:"clientInfo"`
	Capabilities clientCapabilities `json:"capabilities"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type clientCapabilities struct {
	ExperimentalAPI bool `json:"experimentalApi"`
}

type initializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// --- Threads ---

type threadStartParams struct {
	Model                  string `json:"model,omitempty"`
	ApprovalPolicy         string `json:"approvalPolicy,omitempty"`
	SandboxMode            string `json:"sandboxMode,omitempty"`
	Cwd                    string `json:"cwd"`
	PersistExtendedHistory bool   `json:"persistExtendedHistory"`
	Ephemeral              bool   `json:"ephemeral"`
}

type threadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxMode    string `json:"sandboxMode,omitempty"`
	Cwd            string `json:"cwd"`
}

// threadResult is the response shape shared by thread/start and
// thread/resume, and the params shape of the thread/started notification.
type threadResult struct {
	Thread threadInfo `json:"thread"`
}

type threadInfo struct {
	ID string `json:"id"`
}

// --- Turns ---

type inputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// turnStartParams starts one turn. The optional override fields must be
// present on the wire even when unset, so they are pointers without
// omitempty — nil marshals as an explicit null.
type turnStartParams struct {
	ThreadID     string          `json:"threadId"`
	Input        []inputItem     `json:"input"`
	Effort       *string         `json:"effort"`
	Model        *string         `json:"model"`
	SandboxMode  *string         `json:"sandboxMode"`
	OutputSchema json.RawMessage `json:"outputSchema"`
}

type turnStartResult struct {
	Turn turnInfo `json:"turn"`
}

type turnInfo struct {
	ID     string     `json:"id"`
	Status string     `json:"status,omitempty"`
	Error  *errorInfo `json:"error,omitempty"`
}

type turnCompletedParams struct {
	ThreadID string   `json:"threadId"`
	Turn     turnInfo `json:"turn"`
}

// itemDeltaParams is shared by item/agentMessage/delta,
// item/commandExecution/outputDelta and item/fileChange/outputDelta.
type itemDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

type itemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

type errorNotifParams struct {
	ThreadID  string    `json:"threadId"`
	TurnID    string    `json:"turnId"`
	WillRetry bool      `json:"willRetry"`
	Error     errorInfo `json:"error"`
}

type errorInfo struct {
	Message string `json:"message"`
}

// --- Server requests (host → client) ---

type approvalParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Command  string `json:"command,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type approvalResult struct {
	Decision string `json:"decision"`
}

type userInputQuestion struct {
	ID      string            `json:"id"`
	Prompt  string            `json:"prompt,omitempty"`
	Options []userInputOption `json:"options,omitempty"`
}

type userInputOption struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

type requestUserInputParams struct {
	Questions []userInputQuestion `json:"questions"`
}

type userInputAnswer struct {
	Answer string `json:"answer"`
}

type requestUserInputResult struct {
	Answers map[string]userInputAnswer `json:"answers"`
}

type toolCallResult struct {
	Handled bool   `json:"handled"`
	Error   string `json:"error,omitempty"`
}
