package entities

import (
	"github.com/google/uuid"

	"edge-recorder/constant"
)

type Recording struct {
	ID            uuid.UUID                `json:"id" gorm:"type:uuid;primary_key"`
	CreatedAt     int64                    `json:"created_at" gorm:"not null"`
	Status        constant.RecordingStatus `json:"status" gorm:"type:varchar(20);not null;index:idx_recordings_status"`
	BaseDirectory string                   `json:"base_directory" gorm:"type:varchar(500);not null"`
	CloudID       *string                  `json:"cloud_id" gorm:"type:varchar(100)"`
	GcodeLabel    *string                  `json:"gcode_label" gorm:"type:varchar(255)"`
	// NextIndex is the sequence counter enforcing gap-free fragment indices.
	NextIndex int64 `json:"next_index" gorm:"not null;default:0"`
}

func (Recording) TableName() string {
	return "recordings"
}
