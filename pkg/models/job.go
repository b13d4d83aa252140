package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an impact analysis job.
// Terminal states are done and failed; there is no cancellation.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether the status is done or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// ImpactJob is one asynchronous impact analysis job. Jobs are deduplicated
// on (project, datasource, kpi_fingerprint, time_range, top): at most one
// live (queued/running) job exists per dedup key.
type ImpactJob struct {
	JobID     uuid.UUID `json:"job_id"`
	ProjectID uuid.UUID `json:"project_id"`

	// Dedup key components. DatasourceID is part of the key: omitting it
	// would allow cross-datasource collisions.
	DatasourceID   uuid.UUID `json:"datasource_id"`
	KPIFingerprint string    `json:"kpi_fingerprint"`
	TimeRange      string    `json:"time_range"`
	Top            int       `json:"top"`

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`

	Result *ImpactGraph `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KPIDefinition correlates a business metric definition across
// datasources and queries.
type KPIDefinition struct {
	Fingerprint string   `json:"fingerprint"`
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	// Expressions are canonical SQL expressions computing the metric,
	// e.g. "sum(orders.amount)".
	Expressions []string `json:"expressions,omitempty"`
}
