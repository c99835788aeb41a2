package app

// StopReason is logged on shutdown and passed to plugins' StopAll.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
	StopOneShot    StopReason = "one_shot"
)
