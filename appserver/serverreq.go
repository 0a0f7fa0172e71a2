package appserver

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Server-request responder: inbound method calls from the agent host, each
// answered synchronously from local policy. Deterministic and
// non-interactive — nothing here ever blocks waiting for a user. The conn
// layer guarantees a reply even when a handler fails or panics, and answers
// unregistered methods with method-not-found.

func (c *Client) wireServerRequests(conn *Conn) {
	conn.OnMethod(MethodExecApproval, c.handleApproval)
	conn.OnMethod(MethodPatchApproval, c.handleApproval)
	conn.OnMethod(MethodLegacyExecApproval, c.handleLegacyApproval)
	conn.OnMethod(MethodLegacyPatchApproval, c.handleLegacyApproval)
	conn.OnMethod(MethodRequestUserInput, c.handleUserInput)
	conn.OnMethod(MethodToolCall, c.handleToolCall)
}

// handleApproval answers command-execution and file-change approval
// requests from the single auto-approve policy flag.
func (c *Client) handleApproval(params json.RawMessage) (any, error) {
	var p approvalParams
	_ = json.Unmarshal(params, &p) // best-effort, for logging only
	decision := "decline"
	if c.settings.Settings().AutoApprove {
		decision = "accept"
	}
	c.log.Debug("approval request",
		zap.String("command", p.Command),
		zap.String("decision", decision))
	return approvalResult{Decision: decision}, nil
}

// handleLegacyApproval is handleApproval for the older method names, which
// expect approved/denied decision strings.
func (c *Client) handleLegacyApproval(params json.RawMessage) (any, error) {
	var p approvalParams
	_ = json.Unmarshal(params, &p)
	decision := "denied"
	if c.settings.Settings().AutoApprove {
		decision = "approved"
	}
	c.log.Debug("legacy approval request",
		zap.String("command", p.Command),
		zap.String("decision", decision))
	return approvalResult{Decision: decision}, nil
}

// handleUserInput answers every question with the first offered option's
// label, or an empty string when the question is free-form.
func (c *Client) handleUserInput(params json.RawMessage) (any, error) {
	var p requestUserInputParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	answers := make(map[string]userInputAnswer, len(p.Questions))
	for _, q := range p.Questions {
		answer := ""
		if len(q.Options) > 0 {
			answer = q.Options[0].Label
		}
		answers[q.ID] = userInputAnswer{Answer: answer}
	}
	return requestUserInputResult{Answers: answers}, nil
}

// handleToolCall declines dynamic tool invocations: this client routes tool
// traffic but never executes tools.
func (c *Client) handleToolCall(json.RawMessage) (any, error) {
	return toolCallResult{Handled: false, Error: "dynamic tool calls are not handled"}, nil
}
