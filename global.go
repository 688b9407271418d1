package caseselect

import (
	"os"
)

var DefaultLogger Logger

// SetLogger set a logger instance for the engine
func SetLogger(logger Logger) {
	DefaultLogger = logger
}

func init() {
	DefaultLogger = NewLogger(os.Stdout, Info)
}

const (
	// DefaultJobPoolSize default number of jobs driven in parallel by the poller
	DefaultJobPoolSize = 10
	// DefaultBatchSize default number of cases claimed per batch commit.
	// Kept at 1 so a restart loses at most one case's in-flight work.
	DefaultBatchSize = 1
)

// task pool shared by poller instances
var jobPool = newTaskPool(DefaultJobPoolSize)

// SetMaxRunningJobs set max number of jobs driven in parallel
func SetMaxRunningJobs(size int) {
	jobPool.SetMaxSize(size)
}

var batchSize = DefaultBatchSize

// SetBatchSize set the number of cases claimed per batch commit
func SetBatchSize(size int) {
	if size > 0 {
		batchSize = size
	}
}
