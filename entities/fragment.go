package entities

import (
	"github.com/google/uuid"

	"edge-recorder/constant"
)

type Fragment struct {
	RecordingID uuid.UUID `json:"recording_id" gorm:"type:uuid;primaryKey"`
	Index       int64     `json:"index" gorm:"column:idx;primaryKey;autoIncrement:false"`
	Filename    string    `json:"filename" gorm:"type:varchar(500);not null"`
	SizeBytes   int64     `json:"size_bytes" gorm:"not null"`

	// Buffer fields are in the pipeline's clock domain (nanoseconds).
	BufferTimestamp   int64 `json:"buffer_timestamp"`
	BufferRunningTime int64 `json:"buffer_running_time"`
	BufferStreamTime  int64 `json:"buffer_stream_time"`
	BufferDuration    int64 `json:"buffer_duration"`
	BufferOffset      int64 `json:"buffer_offset"`
	BufferOffsetEnd   int64 `json:"buffer_offset_end"`

	SyncStatus      constant.SyncStatus `json:"sync_status" gorm:"type:varchar(20);not null;index:idx_fragments_sync_status"`
	SyncProgressPct int                 `json:"sync_progress_pct" gorm:"not null;default:0"`
	// LastProgressAt is unix milliseconds, updated on every sync mutation;
	// the stall-recovery query compares it against the stall threshold.
	LastProgressAt int64   `json:"last_progress_at" gorm:"not null;default:0"`
	UploadURL      *string `json:"upload_url" gorm:"type:text"`
	// UploadURLExpiresAt is a unix timestamp; zero means unknown.
	UploadURLExpiresAt int64   `json:"upload_url_expires_at" gorm:"not null;default:0"`
	LastError          *string `json:"last_error" gorm:"type:text"`
	RetryCount         int     `json:"retry_count" gorm:"not null;default:0"`
	Deleted            bool    `json:"deleted" gorm:"not null;default:false"`
}

func (Fragment) TableName() string {
	return "fragments"
}
