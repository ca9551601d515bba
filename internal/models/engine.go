package models

import "time"

// EngineResult holds the outcome of a backup engine run.
type EngineResult struct {
	SessionID      string
	Full           bool
	FilesStaged    int
	VolumesShipped int
	VolumesSkipped int
	BytesShipped   int64
	Duration       time.Duration
}
