package constant

type RecordingStatus string

const (
	RecordingStatusPending   RecordingStatus = "PENDING"
	RecordingStatusRecording RecordingStatus = "RECORDING"
	RecordingStatusFinalized RecordingStatus = "FINALIZED"
	RecordingStatusAborted   RecordingStatus = "ABORTED"
)

// Rank orders a recording along its lifecycle; status may never move to a
// lower rank. Finalized and aborted are both terminal.
func (s RecordingStatus) Rank() int {
	switch s {
	case RecordingStatusPending:
		return 0
	case RecordingStatusRecording:
		return 1
	case RecordingStatusFinalized, RecordingStatusAborted:
		return 2
	default:
		return -1
	}
}

func (s RecordingStatus) Terminal() bool {
	return s == RecordingStatusFinalized || s == RecordingStatusAborted
}

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	SyncStatusDone       SyncStatus = "DONE"
	SyncStatusFailed     SyncStatus = "FAILED"
)

// Rank orders sync statuses along the pending → in_progress → {done, failed}
// DAG; transitions may never decrease the rank.
func (s SyncStatus) Rank() int {
	switch s {
	case SyncStatusPending:
		return 0
	case SyncStatusInProgress:
		return 1
	case SyncStatusDone, SyncStatusFailed:
		return 2
	default:
		return -1
	}
}

func (s SyncStatus) Terminal() bool {
	return s == SyncStatusDone || s == SyncStatusFailed
}

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

// Process exit codes.
const (
	ExitOK            = 0
	ExitConfigError   = 1
	ExitStorageError  = 2
	ExitPipelineError = 3
)
