package appserver

import (
	"time"

	"go.uber.org/zap"
)

// Default client configuration values.
const (
	defaultTurnTimeout      = 15 * time.Minute
	defaultHandshakeTimeout = 30 * time.Second
)

// Options holds resolved construction-time configuration for a Client.
type Options struct {
	// RequestTimeout is the per-request deadline for synchronous calls.
	RequestTimeout time.Duration

	// TurnTimeout is the hard deadline for a turn whose terminal
	// notification never arrives.
	TurnTimeout time.Duration

	// HandshakeTimeout bounds initialize + initialized during Start.
	HandshakeTimeout time.Duration

	// MaxLineSize is the maximum wire frame size in bytes.
	MaxLineSize int

	// Logger receives client diagnostics. Defaults to a nop logger.
	Logger *zap.Logger

	// VaultRoot supplies the fallback working directory when settings
	// leave WorkingDir empty.
	VaultRoot func() string

	// OnThreadIDChanged is invoked synchronously whenever the current
	// thread id changes, so the caller can persist it.
	OnThreadIDChanged func(threadID string)

	// OnSystemMessage receives diagnostic events not tied to a specific
	// in-flight turn (stderr output, exit notices, resume failures).
	OnSystemMessage func(text string)
}

// Option configures a Client at construction time.
type Option func(*Options)

// WithRequestTimeout sets the per-request deadline. Values <= 0 are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RequestTimeout = d
		}
	}
}

// WithTurnTimeout sets the hard per-turn deadline. Values <= 0 are ignored.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.TurnTimeout = d
		}
	}
}

// WithHandshakeTimeout sets the handshake deadline. Values <= 0 are ignored.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HandshakeTimeout = d
		}
	}
}

// WithMaxLineSize sets the maximum wire frame size. Values <= 0 are ignored.
func WithMaxLineSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxLineSize = n
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithVaultRoot sets the fallback working-directory provider.
func WithVaultRoot(f func() string) Option {
	return func(o *Options) {
		o.VaultRoot = f
	}
}

// WithOnThreadIDChanged sets the thread-id persistence callback.
func WithOnThreadIDChanged(f func(threadID string)) Option {
	return func(o *Options) {
		o.OnThreadIDChanged = f
	}
}

// WithOnSystemMessage sets the top-level diagnostic callback.
func WithOnSystemMessage(f func(text string)) Option {
	return func(o *Options) {
		o.OnSystemMessage = f
	}
}

func resolveOptions(opts ...Option) Options {
	o := Options{
		RequestTimeout:   defaultRequestTimeout,
		TurnTimeout:      defaultTurnTimeout,
		HandshakeTimeout: defaultHandshakeTimeout,
		MaxLineSize:      defaultMaxLineSize,
		Logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
