// Package scheduler holds the maintenance tasks run on a schedule against the
// stored subscription summaries.
//
// The MaintenancePayload is the JSON body EventBridge sends to the sweeper
// function; its Task selects the service method that handles the run.
package scheduler

import "time"

// TaskType identifies which maintenance task an invocation should run.
type TaskType string

const (
	TaskSyncSummaries   TaskType = "sync_summaries"
	TaskPruneJobHistory TaskType = "prune_job_history"
)

// MaintenancePayload is the event payload of a scheduled invocation:
//
//	{
//	  "task": "sync_summaries",
//	  "reference_time": "2026-10-17T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs. Nil means time.Now().UTC().
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
