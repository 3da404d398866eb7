package entities

import (
	"babyview-pipeline/constant"
	"time"
)

// BlackoutInstruction is an operator-authored redaction interval linked to a
// video row.
type BlackoutInstruction struct {
	ID          string                  `json:"id" gorm:"column:id;type:varchar(64);primaryKey"`
	VideoID     string                  `json:"video_id" gorm:"column:video_id;type:varchar(64);index"`
	StartOffset float64                 `json:"start_offset" gorm:"column:start_offset;not null"`
	EndOffset   float64                 `json:"end_offset" gorm:"column:end_offset;not null"`
	Action      constant.BlackoutAction `json:"action" gorm:"column:action;type:varchar(16);not null;check:action IN ('blackout', 'mute')"`
	Processed   bool                    `json:"processed" gorm:"column:processed;not null;default:false"`
	UpdatedAt   time.Time               `json:"updated_at" gorm:"column:updated_at;type:timestamptz"`
}

func (BlackoutInstruction) TableName() string {
	return "blackout_regions"
}

func (b BlackoutInstruction) Valid() bool {
	if b.EndOffset <= b.StartOffset || b.StartOffset < 0 {
		return false
	}
	return b.Action == constant.BlackoutActionBlackout || b.Action == constant.BlackoutActionMute
}
