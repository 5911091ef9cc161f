package orchestrator

// State is a batch state
type State string

const (
	StateIdle             State = "idle"
	StateInitializing     State = "initializing"
	StateSending          State = "sending"
	StateCaptchaWait      State = "captcha_wait"
	StateSwitchingAccount State = "switching_account"
	StateCompleted        State = "completed"
	StateCancelled        State = "cancelled"
	StateLimitExhausted   State = "limit_exhausted"
	StateSessionExpired   State = "session_expired"
	StateError            State = "error"
)

// Terminal reports whether the batch is finished for good
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateLimitExhausted, StateSessionExpired, StateError:
		return true
	}
	return false
}
