package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopContextDone StopReason = "context_done"
	StopFatalError  StopReason = "fatal_error"
	StopAppStop     StopReason = "app_stop"
)
