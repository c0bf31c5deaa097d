package dto

import (
	"github.com/google/uuid"

	"edge-recorder/entities"
)

type StartRequest struct {
	BaseDirectory string            `json:"base_directory,omitempty"`
	GcodeLabel    string            `json:"gcode_label,omitempty"`
	Config        map[string]string `json:"config,omitempty"`
}

type StartReply struct {
	RecordingID uuid.UUID `json:"recording_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type StopRequest struct {
	RecordingID uuid.UUID `json:"recording_id"`
}

type StopReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type StatusRequest struct{}

type StatusReply struct {
	CurrentRecording  *entities.Recording `json:"current_recording,omitempty"`
	QueuedUploads     int                 `json:"queued_uploads"`
	InProgressUploads int                 `json:"in_progress_uploads"`
	Error             string              `json:"error,omitempty"`
}

// FragmentEvent is published on recording.{id}.fragment.{created|progress|done|failed}.
type FragmentEvent struct {
	RecordingID uuid.UUID `json:"recording_id"`
	Index       int64     `json:"index"`
	Filename    string    `json:"filename,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	ProgressPct int       `json:"progress_pct,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// RecordingEvent is published on recording.{id}.{ended|aborted|finalized}.
type RecordingEvent struct {
	RecordingID uuid.UUID `json:"recording_id"`
	Error       string    `json:"error,omitempty"`
}

// FragmentEventOf builds the created-event payload for a stored fragment.
func FragmentEventOf(f *entities.Fragment) FragmentEvent {
	return FragmentEvent{
		RecordingID: f.RecordingID,
		Index:       f.Index,
		Filename:    f.Filename,
		SizeBytes:   f.SizeBytes,
		ProgressPct: f.SyncProgressPct,
	}
}
