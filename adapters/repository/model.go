package repository

import (
	"database/sql"
	"time"
)

type releaseDBModel struct {
	ReleaseId           string
	DatasetUris         string // JSON array
	ApplicationMetadata string // JSON object
	CreateTime          time.Time
	LastUpdated         time.Time
}

type selectJobDBModel struct {
	JobId                 int64
	ReleaseId             string
	Status                string
	RequestedCancellation bool
	PercentDone           int
	InitialTodoCount      int
	CreateTime            time.Time
	StartTime             time.Time
	EndTime               sql.NullTime
	LastUpdated           time.Time
	Version               int64
}
