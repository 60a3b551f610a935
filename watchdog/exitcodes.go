package watchdog

import "fmt"

// Coded generator exits. The child uses these to report precisely why it
// refused to run; everything else is an ordinary failure.
const (
	ExitSuccess = 0

	ExitBlockedByDeletion     = 248
	ExitBlockedByStopSignal   = 249
	ExitFenceNotFound         = 250
	ExitFenceReadinessTimeout = 251
	ExitFenceMismatch         = 252
	ExitTaskAlreadyRunning    = 253
	ExitIndexAttemptMismatch  = 254
	ExitConnectorExceptioned  = 255

	// exitOOM is the conventional container-kill exit.
	exitOOM = 137
	// signalKill is how a SIGKILL surfaces through Process.Exit.
	signalKill = -9
)

// generatorCompleteOK is the generator-complete value meaning the child
// finished its pass and recorded its own terminal status.
const generatorCompleteOK = 200

var codedExitReasons = map[int]string{
	ExitBlockedByDeletion:     "BLOCKED_BY_DELETION",
	ExitBlockedByStopSignal:   "BLOCKED_BY_STOP_SIGNAL",
	ExitFenceNotFound:         "FENCE_NOT_FOUND",
	ExitFenceReadinessTimeout: "FENCE_READINESS_TIMEOUT",
	ExitFenceMismatch:         "FENCE_MISMATCH",
	ExitTaskAlreadyRunning:    "TASK_ALREADY_RUNNING",
	ExitIndexAttemptMismatch:  "INDEX_ATTEMPT_MISMATCH",
	ExitConnectorExceptioned:  "CONNECTOR_EXCEPTIONED",
}

// classifyExit translates a child exit code into the reason string recorded
// on the attempt. canceled reports whether the exit reflects a deliberate
// stop rather than a failure.
func classifyExit(code int) (reason string, canceled bool) {
	switch {
	case code == ExitSuccess:
		return "SUCCEEDED", false
	case code == signalKill:
		return "PROCESS_SIGNAL_SIGKILL: generator killed with SIGKILL (exit code -9)", false
	case code < 0:
		return fmt.Sprintf("generator killed by signal (exit code %d)", code), false
	case code == exitOOM:
		return "OUT_OF_MEMORY: generator exceeded its memory limit (exit code 137)", false
	case code == ExitBlockedByStopSignal:
		return codedExitReasons[code], true
	default:
		if reason, ok := codedExitReasons[code]; ok {
			return reason, false
		}
		return fmt.Sprintf("generator exited with code %d", code), false
	}
}
