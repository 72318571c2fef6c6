// Package stream is the Stream Manager: the per-workspace state machine
// that drives one provider call from send to settle, demultiplexes its
// events onto the IPC bus, enforces tool policy, and durably commits the
// result to history no matter how the stream ends.
package stream

// State is a workspace's position in the stream lifecycle. Exactly one
// stream may be in a non-Idle, non-Errored state per workspace at a time —
// enforced by Manager's per-workspace mutex, not by this type itself.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateFinalizing
	StateAborting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateAborting:
		return "aborting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrorType is the closed set a stream-error/aborted-with-error event
// classifies its failure as. Anything that doesn't match a provider's known
// failure shape falls to ErrorUnknown with the raw text preserved.
type ErrorType string

const (
	ErrorAPIKeyNotFound    ErrorType = "api_key_not_found"
	ErrorInvalidModel      ErrorType = "invalid_model_string"
	ErrorModelNotFound     ErrorType = "model_not_found"
	ErrorContextExceeded   ErrorType = "context_exceeded"
	ErrorRateLimited       ErrorType = "rate_limited"
	ErrorProviderTransient ErrorType = "provider_transient"
	ErrorUnknown           ErrorType = "unknown"
)
