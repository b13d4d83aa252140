// Package jobs implements the dedup-aware asynchronous job store and the
// result cache backing impact analysis requests.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// DedupKey is the request-attribute tuple that decides whether two
// analysis requests are "the same" for job reuse and caching. All five
// fields participate: dropping datasource_id would let results from one
// datasource answer requests for another.
type DedupKey struct {
	ProjectID      uuid.UUID
	DatasourceID   uuid.UUID
	KPIFingerprint string
	TimeRange      string
	Top            int
}

// String renders the stable store key for this tuple. The fingerprint is
// hashed so arbitrary-length fingerprints produce bounded keys.
func (k DedupKey) String() string {
	fp := sha256.Sum256([]byte(k.KPIFingerprint))
	return fmt.Sprintf("impact:dedup:%s:%s:%s:%s:%d",
		k.ProjectID, k.DatasourceID, hex.EncodeToString(fp[:8]), k.TimeRange, k.Top)
}

// KeyFor extracts the dedup key from a job.
func KeyFor(job *models.ImpactJob) DedupKey {
	return DedupKey{
		ProjectID:      job.ProjectID,
		DatasourceID:   job.DatasourceID,
		KPIFingerprint: job.KPIFingerprint,
		TimeRange:      job.TimeRange,
		Top:            job.Top,
	}
}

// JobStore is the dedup-aware job table. Implementations must provide the
// two atomic primitives: reserve-or-get on the dedup key, and
// compare-and-complete on the job id. Naive read-then-write is unsafe
// under concurrent multi-process access.
type JobStore interface {
	// GetOrCreate atomically reserves a job for the candidate's dedup key.
	// On collision with a live or done job it returns that job and
	// isNew=false. A failed job is never a dedup target: it is atomically
	// replaced and isNew=true.
	GetOrCreate(ctx context.Context, candidate *models.ImpactJob) (job *models.ImpactJob, isNew bool, err error)

	// Update merges partial status/progress fields into a job.
	Update(ctx context.Context, jobID uuid.UUID, status *models.JobStatus, progress *int) error

	// Finish moves a job to its terminal state. Exactly one of graph and
	// jobErr must be set: graph → done with progress 100, jobErr → failed.
	Finish(ctx context.Context, jobID uuid.UUID, graph *models.ImpactGraph, jobErr error) error

	// Get returns the job owned by projectID, or nil if the job is
	// absent, expired, or owned by another tenant. A nil job is "not
	// found" — distinct from a queued job that has no result yet.
	Get(ctx context.Context, projectID, jobID uuid.UUID) (*models.ImpactJob, error)
}

// ResultCache holds completed graphs keyed by dedup tuple. It is consulted
// before job creation; a hit short-circuits the job protocol entirely.
type ResultCache interface {
	Get(ctx context.Context, key DedupKey) (*models.ImpactGraph, error)
	Put(ctx context.Context, key DedupKey, graph *models.ImpactGraph) error
}

func cacheKey(key DedupKey) string {
	return "impact:cache:" + key.String()
}
