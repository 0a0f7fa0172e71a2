package appserver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/draftnote/turnwire"
)

// Thread management. The client holds at most one current thread id, and it
// is always a value the agent host confirmed — via thread/start,
// thread/resume, or the thread/started notification — never a caller-supplied
// literal.

// ensureThread returns the current thread id, resolving one first if needed:
// resume the persisted id when settings allow, falling back to a fresh
// thread on any resume failure. Resume failure is never fatal. Resolution is
// single-flight: concurrent callers with no current thread serialize on
// resolveMu, and all but the first adopt the winner's id on the re-check.
func (c *Client) ensureThread(ctx context.Context) (string, error) {
	if id := c.ThreadID(); id != "" {
		return id, nil
	}

	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()
	if id := c.ThreadID(); id != "" {
		return id, nil
	}

	settings := c.settings.Settings()
	if settings.PersistThreads && settings.LastThreadID != "" {
		id, err := c.resumeThread(ctx, settings)
		if err == nil {
			return id, nil
		}
		c.log.Warn("thread resume failed",
			zap.String("threadId", settings.LastThreadID), zap.Error(err))
		c.systemMessage(fmt.Sprintf("could not resume thread %s, starting a new one: %v",
			settings.LastThreadID, err))
	}
	return c.startThread(ctx, settings)
}

// NewThread explicitly starts a fresh conversation thread, replacing the
// current one. The persisted id, if any, is not consulted.
func (c *Client) NewThread(ctx context.Context) (string, error) {
	if err := c.Start(ctx); err != nil {
		return "", err
	}
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()
	return c.startThread(ctx, c.settings.Settings())
}

func (c *Client) resumeThread(ctx context.Context, settings turnwire.Settings) (string, error) {
	params := threadResumeParams{
		ThreadID:       settings.LastThreadID,
		Model:          settings.Model,
		ApprovalPolicy: settings.ApprovalPolicy,
		SandboxMode:    settings.SandboxMode,
		Cwd:            c.workDir(settings),
	}
	var result threadResult
	if err := c.call(ctx, MethodThreadResume, params, &result); err != nil {
		return "", err
	}
	if result.Thread.ID == "" {
		return "", fmt.Errorf("appserver: thread/resume returned no thread id: %w", turnwire.ErrProtocol)
	}
	c.adoptThreadID(result.Thread.ID)
	return result.Thread.ID, nil
}

// startThread issues thread/start with the full session configuration.
// The host persists extended history and keeps the thread non-ephemeral so
// it can be resumed after a client restart.
func (c *Client) startThread(ctx context.Context, settings turnwire.Settings) (string, error) {
	params := threadStartParams{
		Model:                  settings.Model,
		ApprovalPolicy:         settings.ApprovalPolicy,
		SandboxMode:            settings.SandboxMode,
		Cwd:                    c.workDir(settings),
		PersistExtendedHistory: true,
		Ephemeral:              false,
	}
	var result threadResult
	if err := c.call(ctx, MethodThreadStart, params, &result); err != nil {
		return "", err
	}
	if result.Thread.ID == "" {
		return "", fmt.Errorf("appserver: thread/start returned no thread id: %w", turnwire.ErrProtocol)
	}
	c.adoptThreadID(result.Thread.ID)
	return result.Thread.ID, nil
}

// adoptThreadID makes id current and, when it actually changed, notifies the
// caller so the id can be persisted.
func (c *Client) adoptThreadID(id string) {
	c.mu.Lock()
	changed := c.threadID != id
	c.threadID = id
	c.mu.Unlock()
	if changed {
		c.log.Info("thread attached", zap.String("threadId", id))
		if f := c.opts.OnThreadIDChanged; f != nil {
			f(id)
		}
	}
}

// workDir resolves the subprocess working directory: explicit setting first,
// vault root as fallback.
func (c *Client) workDir(settings turnwire.Settings) string {
	if settings.WorkingDir != "" {
		return settings.WorkingDir
	}
	if c.opts.VaultRoot != nil {
		return c.opts.VaultRoot()
	}
	return ""
}
