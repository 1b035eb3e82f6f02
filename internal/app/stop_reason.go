package app

// StopReason says why the daemon is shutting down; it only feeds logs.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal-error"
	StopAppStop    StopReason = "app-stop"
)
