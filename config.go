package bosh

import (
	"fmt"
	"time"

	"pkt.systems/pslog"
)

// defaultEmptyRequestDelay is the "else use ... a constant default" delay
// from spec.md §4.7.
const defaultEmptyRequestDelay = 100 * time.Millisecond

// defaultPauseMargin is PAUSE_MARGIN from spec.md §4.8.
const defaultPauseMargin = 500 * time.Millisecond

// defaultWaitSeconds is the wait_seconds Config default (spec.md §6).
const defaultWaitSeconds = 60

// defaultAdvertisedVer is the "ver" this client advertises on session
// creation (spec.md §4.4).
const defaultAdvertisedVer = "1.6"

// defaultHold is the "hold=3" session-creation attribute value fixed by
// spec.md §4.4.
const defaultHold = 3

// Config holds the options spec.md §6 recognizes for session creation.
// URI and To are required; everything else has a sane default.
type Config struct {
	// URI is the connection manager endpoint.
	URI string
	// To is the target domain advertised in the "to" attribute.
	To string
	// From is optionally advertised in the "from" attribute.
	From string
	// Lang is advertised as "xml:lang". Defaults to "en".
	Lang string
	// Route is optionally advertised in the "route" attribute.
	Route string
	// WaitSeconds is the long-poll hold time this client requests.
	// Defaults to 60.
	WaitSeconds int
}

func (c Config) withDefaults() Config {
	if c.Lang == "" {
		c.Lang = "en"
	}
	if c.WaitSeconds == 0 {
		c.WaitSeconds = defaultWaitSeconds
	}
	return c
}

func (c Config) validate() error {
	if c.URI == "" {
		return &UsageError{Detail: "Config.URI is required"}
	}
	if c.To == "" {
		return &UsageError{Detail: "Config.To is required"}
	}
	return nil
}

// Option configures process-scope tunables and collaborators on a Session
// at construction time (SPEC_FULL.md §8.3), mirroring the functional
// options pattern sa6mwa-lockd's client package uses for WithLogger et al.
type Option func(*Session) error

// WithLogger attaches a structured logger. A nil logger normalizes to
// pslog.NoopLogger(), matching sa6mwa-lockd's WithLogger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			logger = pslog.NoopLogger()
		}
		s.logger = logger
		return nil
	}
}

// WithEmptyRequestDelay overrides empty_request_delay_ms (spec.md §6).
func WithEmptyRequestDelay(d time.Duration) Option {
	return func(s *Session) error {
		if d < 0 {
			return &UsageError{Detail: "empty request delay must be >= 0"}
		}
		s.emptyRequestDelay = d
		return nil
	}
}

// WithPauseMargin overrides pause_margin_ms (spec.md §6, §4.8).
func WithPauseMargin(d time.Duration) Option {
	return func(s *Session) error {
		if d < 0 {
			return &UsageError{Detail: "pause margin must be >= 0"}
		}
		s.pauseMargin = d
		return nil
	}
}

// WithExecutor overrides the scheduled-task executor (spec.md §6
// "executor (optional externally-provided scheduler)").
func WithExecutor(exec Executor) Option {
	return func(s *Session) error {
		if exec == nil {
			return &UsageError{Detail: "executor must not be nil"}
		}
		s.executor = exec
		return nil
	}
}

// WithAssertionsEnabled toggles the assertions_enabled process tunable
// (spec.md §6): when true, internal invariant checks (e.g. spec.md §4.10's
// "|pendingRequestAcks| <= max_in_flight") panic instead of merely logging.
func WithAssertionsEnabled(enabled bool) Option {
	return func(s *Session) error {
		s.assertionsEnabled = enabled
		return nil
	}
}

// WithMetrics enables OTel instrumentation (SPEC_FULL.md §9).
func WithMetrics(enabled bool) Option {
	return func(s *Session) error {
		s.metricsEnabled = enabled
		return nil
	}
}

func (s *Session) assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if s.assertionsEnabled {
		panic("bosh: assertion failed: " + msg)
	}
	s.logger.Warn("bosh.assertion.failed", "detail", msg)
}
