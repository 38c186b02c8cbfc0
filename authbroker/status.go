package authbroker

// InteractionStatus is the process-wide lifecycle of the single permitted
// interactive authorization flow. Callers check it before starting a login,
// consent, or logout to avoid a provider-level "interaction in progress"
// failure.
type InteractionStatus int

const (
	InteractionIdle InteractionStatus = iota
	InteractionStarting
	InteractionInProgress
)

func (s InteractionStatus) String() string {
	switch s {
	case InteractionIdle:
		return "idle"
	case InteractionStarting:
		return "starting"
	case InteractionInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}
