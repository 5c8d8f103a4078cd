package migrate

import "log/slog"

// State names one phase of a migration run. States advance strictly forward;
// any error sends the run to StateFailed and rolls back whatever the
// transaction had applied. Phase transitions are logged at Debug level.
type State string

const (
	StateLockAcquiring State = "lock_acquiring"
	StateSnapshotting  State = "snapshotting"
	StateDiffing       State = "diffing"
	StateDataLossGate  State = "data_loss_gate"
	StateGenerating    State = "generating"
	StateExecuting     State = "executing"
	StateRecording     State = "recording"
	StateDone          State = "done"
	StateSkipped       State = "skipped"
	StateBlocked       State = "blocked"
	StateFailed        State = "failed"
)

// phase records a state transition on the run's logger.
func phase(logger *slog.Logger, s State) {
	logger.Debug("migration phase", "state", s)
}
