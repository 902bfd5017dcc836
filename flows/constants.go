package flows

import "unicode"

const (
	runStatusQueued    = "queued"
	runStatusRunning   = "running"
	runStatusSleeping  = "sleeping"
	runStatusCompleted = "completed"
	runStatusFailed    = "failed"
)

// Status values a caller may observe in RunStatus.Status.
const (
	StatusQueued    = runStatusQueued
	StatusRunning   = runStatusRunning
	StatusSleeping  = runStatusSleeping
	StatusCompleted = runStatusCompleted
	StatusFailed    = runStatusFailed
)

// activeStatusList is the SQL list of non-terminal statuses. It must match the
// predicate of the runs_active_key_idx partial index.
const activeStatusList = "('" + runStatusQueued + "', '" + runStatusRunning + "', '" + runStatusSleeping + "')"

const (
	// notifyChannelRunWakeup is used with LISTEN/NOTIFY to hint workers to re-scan for runnable runs.
	// Notifications are best-effort; workers must still poll as a fallback.
	notifyChannelRunWakeup = "flows_run_wakeup"
)

func normalizeNotifyChannel(ch string) string {
	if ch == "" {
		return notifyChannelRunWakeup
	}
	// LISTEN channel is an identifier; keep this conservative to avoid injection.
	for _, r := range ch {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return notifyChannelRunWakeup
		}
	}
	return ch
}

const (
	stepStatusCompleted = "completed"
	stepStatusFailed    = "failed"
)

const waitTypeSleep = "sleep"
