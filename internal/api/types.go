package api

import (
	"encoding/json"
	"time"

	"bundlemirror/internal/crawlstate"
	"bundlemirror/pkg/types"
)

// SyncRequest describes a build to mirror.
type SyncRequest struct {
	BuildHash string          `json:"build_hash"`
	Scripts   []string        `json:"scripts"`
	Channel   string          `json:"channel,omitempty"`
	GlobalEnv json.RawMessage `json:"global_env,omitempty"`
}

// IndexScriptsRequest replaces the entry scripts of a recorded build.
type IndexScriptsRequest struct {
	IndexScripts []string `json:"index_scripts"`
}

// JobStatus captures the lifecycle stage of a sync job.
type JobStatus string

const (
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
)

// JobSummary surfaces the state of one sync job.
type JobSummary struct {
	Key         string     `json:"key"`
	BuildHash   string     `json:"build_hash,omitempty"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// JobDetail adds crawl progress and, once finished, the synced build.
type JobDetail struct {
	Job      *JobSummary          `json:"job,omitempty"`
	Progress *crawlstate.Snapshot `json:"progress,omitempty"`
	Build    *types.Build         `json:"build,omitempty"`
}

// JobEvent envelopes job state for Server-Sent Event clients.
type JobEvent struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Job       JobSummary `json:"job"`
}
