package dto

import (
	"time"

	"github.com/google/uuid"
)

// RunRequest selects the tracking rows for one pipeline run. It arrives on
// the queue or is built from CLI flags.
type RunRequest struct {
	RunId        uuid.UUID `json:"runId"`
	FilterKey    string    `json:"filterKey"`
	FilterValues []string  `json:"filterValues"`
	Recent       bool      `json:"recent"`
	RecentDays   int       `json:"recentDays"`
	DryRun       bool      `json:"dryRun"`
	Limit        int       `json:"limit"`
}

type RunSummary struct {
	RunId      uuid.UUID           `json:"runId"`
	Kind       string              `json:"kind"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	DryRun     bool                `json:"dryRun"`
	Selected   int                 `json:"selected"`
	Statuses   map[string]int      `json:"statuses"`
	Logs       map[string][]string `json:"logs"`
}

// DriveCleanupRequest selects processed sources to move to the drive trash.
type DriveCleanupRequest struct {
	DaysOld int  `json:"daysOld"`
	DryRun  bool `json:"dryRun"`
	Limit   int  `json:"limit"`
}

// BackfillRequest selects processed rows that never reached the archive.
type BackfillRequest struct {
	FilterKey    string   `json:"filterKey"`
	FilterValues []string `json:"filterValues"`
	DryRun       bool     `json:"dryRun"`
	Limit        int      `json:"limit"`
}
