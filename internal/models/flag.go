package models

// Flag is a per-backend key/value toggle with a timestamp. Recognized keys
// include "paused", "mode" (db-maintenance token), "manual-db-maintenance"
// and "last-seen-at"; unrecognized keys are stored and reported but ignored
// by the scheduler.
type Flag struct {
	ID        string
	Value     string
	Backend   string
	Timestamp int64
}

// Well-known flag names.
const (
	FlagPaused              = "paused"
	FlagMode                = "mode"
	FlagManualDBMaintenance = "manual-db-maintenance"
	FlagLastSeenAt          = "last-seen-at"
)

// ModeDBMaintenance is the value of the "mode" flag while the shared
// database is undergoing maintenance.
const ModeDBMaintenance = "db-maintenance"
