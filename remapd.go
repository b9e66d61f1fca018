package remapd

import "time"

// Wire protocol message tags. Each wire message is a single-line JSON object
// whose sole top-level key is the tag.
const (
	// TagHello initiates the handshake
	TagHello = "Hello"

	// TagHelloOk is the handshake reply carrying version/protocol/capabilities
	TagHelloOk = "HelloOk"

	// TagStatus requests engine status
	TagStatus = "Status"

	// TagStatusInfo is the status reply
	TagStatusInfo = "StatusInfo"

	// TagReload requests a configuration reload
	TagReload = "Reload"

	// TagReloadResult is the structured reload reply
	TagReloadResult = "ReloadResult"

	// TagRequestCurrentLayerName requests the active layer name (used as a
	// liveness ping)
	TagRequestCurrentLayerName = "RequestCurrentLayerName"

	// TagCurrentLayerName is the active-layer reply
	TagCurrentLayerName = "CurrentLayerName"

	// TagLayerChange is the unsolicited layer-change broadcast
	TagLayerChange = "LayerChange"

	// TagAuthenticate requests a session on the legacy datagram variant
	TagAuthenticate = "Authenticate"

	// TagAuthResult is the legacy authentication reply
	TagAuthResult = "AuthResult"

	// TagRestart requests an engine restart (legacy, session-scoped)
	TagRestart = "Restart"
)

// Client defaults
const (
	// DefaultEngineAddr is the default engine socket address
	DefaultEngineAddr = "127.0.0.1:5829"

	// DefaultDialTimeout is the default timeout for establishing connections
	DefaultDialTimeout = 2 * time.Second

	// DefaultRequestTimeout is the default timeout for a request/response
	// round trip
	DefaultRequestTimeout = 3 * time.Second

	// DefaultDialAttempts is the default number of dial attempts for
	// transient connection failures
	DefaultDialAttempts = 3

	// DefaultBackoffMin is the minimum backoff duration between dial retries
	DefaultBackoffMin = 50 * time.Millisecond

	// DefaultBackoffMax is the maximum backoff duration between dial retries
	DefaultBackoffMax = 1 * time.Second

	// MinProtocolVersion is the lowest engine protocol version this
	// supervisor accepts during capability enforcement
	MinProtocolVersion = 1

	// MaxFrameSize is the maximum accepted size of a single response line
	MaxFrameSize = 1 << 20
)

// Legacy datagram variant defaults
const (
	// MaxDatagramPayload is the hard payload cap (UDP maximum); sends above
	// it are rejected before hitting the socket
	MaxDatagramPayload = 65507

	// DefaultMaxPayload is the default outgoing payload gate for the
	// datagram client
	DefaultMaxPayload = 32 * 1024

	// DefaultConnMaxAge is how long a virtual datagram connection is reused
	// before being recreated
	DefaultConnMaxAge = 30 * time.Second
)

// Health monitor defaults
const (
	// DefaultGracePeriod is the window after an engine start during which
	// failed pings are ignored
	DefaultGracePeriod = 10 * time.Second

	// DefaultMinRestartInterval is the cooldown between restart attempts
	DefaultMinRestartInterval = 3 * time.Second

	// DefaultPingRetries is the number of additional ping attempts after the
	// first failure
	DefaultPingRetries = 2

	// DefaultPingRetryDelay is the fixed delay between ping attempts
	DefaultPingRetryDelay = 250 * time.Millisecond

	// DefaultMaxStartAttempts is the start-attempt ceiling before giving up
	DefaultMaxStartAttempts = 5

	// DefaultMaxRetryAttempts is the retry ceiling before giving up
	DefaultMaxRetryAttempts = 3

	// DefaultConnFailureCeiling is the consecutive connection-failure count
	// that triggers full recovery
	DefaultConnFailureCeiling = 10

	// DefaultCheckInterval is the supervisor's health check period
	DefaultCheckInterval = 5 * time.Second
)

// Apply pipeline defaults
const (
	// DefaultReadinessTimeout bounds the post-reload readiness wait
	DefaultReadinessTimeout = 2500 * time.Millisecond

	// DefaultReadinessPoll is the interval between readiness status polls
	DefaultReadinessPoll = 100 * time.Millisecond

	// ConfigFileMode is the mode for written configuration files
	ConfigFileMode = 0o644
)

// Listener and watcher defaults
const (
	// DefaultListenerPollInterval is the keep-alive re-request period
	DefaultListenerPollInterval = 5 * time.Second

	// DefaultReconnectDelay is the pause before a listener reconnect attempt
	DefaultReconnectDelay = 1 * time.Second

	// DefaultWatchDebounce coalesces rapid config file change events
	DefaultWatchDebounce = 250 * time.Millisecond
)

// RecoveryKind identifies a recovery action category
type RecoveryKind int

const (
	// RecoveryNone means the engine is healthy; do nothing
	RecoveryNone RecoveryKind = iota
	// RecoverySimpleRestart restarts the managed engine process
	RecoverySimpleRestart
	// RecoveryKillAndRestart terminates conflicting external processes
	// before restarting
	RecoveryKillAndRestart
	// RecoveryFull tears down the connection and monitoring state and
	// restarts from scratch
	RecoveryFull
	// RecoveryGiveUp is terminal; surface to a human
	RecoveryGiveUp
)

// String returns the string representation of a RecoveryKind
func (k RecoveryKind) String() string {
	switch k {
	case RecoveryNone:
		return "none"
	case RecoverySimpleRestart:
		return "simple-restart"
	case RecoveryKillAndRestart:
		return "kill-and-restart"
	case RecoveryFull:
		return "full-recovery"
	case RecoveryGiveUp:
		return "give-up"
	default:
		return "unknown"
	}
}

// RecoveryAction is the monitor's recommended next step. Kind selects the
// action; Reason carries the human-readable diagnostic, always set for
// RecoveryGiveUp.
type RecoveryAction struct {
	Kind   RecoveryKind
	Reason string
}

// ApplyStage identifies a stage of the config apply pipeline
type ApplyStage int

const (
	// StagePreValidate validates the proposed text in memory
	StagePreValidate ApplyStage = iota
	// StageSnapshot captures the current file content before mutation
	StageSnapshot
	// StageWrite atomically replaces the target file
	StageWrite
	// StagePostValidate validates the file just written
	StagePostValidate
	// StageReload triggers the engine reload
	StageReload
	// StageReadiness waits for the engine to report ready
	StageReadiness
)

// String returns the string representation of an ApplyStage
func (s ApplyStage) String() string {
	switch s {
	case StagePreValidate:
		return "pre-validate"
	case StageSnapshot:
		return "snapshot"
	case StageWrite:
		return "write"
	case StagePostValidate:
		return "post-validate"
	case StageReload:
		return "reload"
	case StageReadiness:
		return "readiness"
	default:
		return "unknown"
	}
}

// ApplyErrorKind classifies a failed apply for machine checking
type ApplyErrorKind int

const (
	// ApplyOK means the apply succeeded
	ApplyOK ApplyErrorKind = iota
	// ApplyPreValidateFailed means the proposed text failed validation;
	// nothing was written
	ApplyPreValidateFailed
	// ApplyWriteFailed means the atomic replace failed; pre-write state is
	// untouched
	ApplyWriteFailed
	// ApplyPostValidateFailed means the written file failed validation and
	// was rolled back
	ApplyPostValidateFailed
	// ApplyReloadFailed means the engine rejected the reload
	ApplyReloadFailed
	// ApplyReadinessTimeout means the engine never reported ready in time
	ApplyReadinessTimeout
)

// String returns the string representation of an ApplyErrorKind
func (k ApplyErrorKind) String() string {
	switch k {
	case ApplyOK:
		return "ok"
	case ApplyPreValidateFailed:
		return "pre-write-validation-failed"
	case ApplyWriteFailed:
		return "write-failed"
	case ApplyPostValidateFailed:
		return "post-write-validation-failed"
	case ApplyReloadFailed:
		return "reload-failed"
	case ApplyReadinessTimeout:
		return "readiness-timeout"
	default:
		return "unknown"
	}
}
