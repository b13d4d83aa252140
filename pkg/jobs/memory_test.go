package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

func candidateJob(projectID, datasourceID uuid.UUID) *models.ImpactJob {
	return &models.ImpactJob{
		ProjectID:      projectID,
		DatasourceID:   datasourceID,
		KPIFingerprint: "fp-revenue",
		TimeRange:      "30d",
		Top:            10,
	}
}

func TestMemoryJobStore_GetOrCreate_New(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()

	job, isNew, err := store.GetOrCreate(ctx, candidateJob(uuid.New(), uuid.New()))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, uuid.Nil, job.JobID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
}

func TestMemoryJobStore_GetOrCreate_Dedup(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	projectID, datasourceID := uuid.New(), uuid.New()

	first, isNew, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)
	assert.False(t, isNew, "identical tuple joins the live job")
	assert.Equal(t, first.JobID, second.JobID)
}

func TestMemoryJobStore_GetOrCreate_DatasourceIsolation(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	projectID := uuid.New()

	first, _, err := store.GetOrCreate(ctx, candidateJob(projectID, uuid.New()))
	require.NoError(t, err)

	second, isNew, err := store.GetOrCreate(ctx, candidateJob(projectID, uuid.New()))
	require.NoError(t, err)
	assert.True(t, isNew, "different datasource is a different job")
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestMemoryJobStore_FailedJobIsReplaced(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	projectID, datasourceID := uuid.New(), uuid.New()

	first, _, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, first.JobID, nil, errors.New("window read failed")))

	second, isNew, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)
	assert.True(t, isNew, "a failed job is never a dedup target")
	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, models.JobStatusQueued, second.Status)
}

func TestMemoryJobStore_DoneJobStillDedups(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	projectID, datasourceID := uuid.New(), uuid.New()

	first, _, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, first.JobID, &models.ImpactGraph{}, nil))

	second, isNew, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, models.JobStatusDone, second.Status)
	assert.NotNil(t, second.Result)
	assert.Equal(t, 100, second.Progress)
}

func TestMemoryJobStore_ExpiredJobIsReplaced(t *testing.T) {
	store := NewMemoryJobStore(time.Millisecond)
	ctx := context.Background()
	projectID, datasourceID := uuid.New(), uuid.New()

	first, _, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second, isNew, err := store.GetOrCreate(ctx, candidateJob(projectID, datasourceID))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestMemoryJobStore_Update(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	projectID := uuid.New()

	job, _, err := store.GetOrCreate(ctx, candidateJob(projectID, uuid.New()))
	require.NoError(t, err)

	running := models.JobStatusRunning
	progress := 50
	require.NoError(t, store.Update(ctx, job.JobID, &running, &progress))

	got, err := store.Get(ctx, projectID, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 50, got.Progress)
}

func TestMemoryJobStore_Finish_ExactlyOneOf(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()

	job, _, err := store.GetOrCreate(ctx, candidateJob(uuid.New(), uuid.New()))
	require.NoError(t, err)

	assert.Error(t, store.Finish(ctx, job.JobID, nil, nil))
	assert.Error(t, store.Finish(ctx, job.JobID, &models.ImpactGraph{}, errors.New("boom")))
}

func TestMemoryJobStore_FinishFailureCapturesError(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	projectID := uuid.New()

	job, _, err := store.GetOrCreate(ctx, candidateJob(projectID, uuid.New()))
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, job.JobID, nil, errors.New("analysis blew up")))

	got, err := store.Get(ctx, projectID, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "analysis blew up", got.Error)
}

func TestMemoryJobStore_UnknownJobIsNotFound(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()

	running := models.JobStatusRunning
	err := store.Update(ctx, uuid.New(), &running, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	err = store.Finish(ctx, uuid.New(), &models.ImpactGraph{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestMemoryJobStore_Get_NotFoundSemantics(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	projectID := uuid.New()

	// Unknown id.
	got, err := store.Get(ctx, projectID, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)

	// Owned by another tenant.
	job, _, err := store.GetOrCreate(ctx, candidateJob(projectID, uuid.New()))
	require.NoError(t, err)
	got, err = store.Get(ctx, uuid.New(), job.JobID)
	require.NoError(t, err)
	assert.Nil(t, got, "cross-tenant reads look like not-found")
}

func TestDedupKey_String(t *testing.T) {
	key := DedupKey{
		ProjectID:      uuid.New(),
		DatasourceID:   uuid.New(),
		KPIFingerprint: "fp-revenue",
		TimeRange:      "30d",
		Top:            10,
	}

	assert.Equal(t, key.String(), key.String(), "stable for identical tuples")

	other := key
	other.Top = 5
	assert.NotEqual(t, key.String(), other.String(), "top participates in the tuple")

	other = key
	other.DatasourceID = uuid.New()
	assert.NotEqual(t, key.String(), other.String(), "datasource participates in the tuple")
}

func TestMemoryResultCache(t *testing.T) {
	cache := NewMemoryResultCache(time.Hour)
	ctx := context.Background()
	key := KeyFor(candidateJob(uuid.New(), uuid.New()))

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "miss before put")

	graph := &models.ImpactGraph{Meta: models.GraphMeta{SchemaVersion: "1.0"}}
	require.NoError(t, cache.Put(ctx, key, graph))

	got, err = cache.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.0", got.Meta.SchemaVersion)
}

func TestMemoryResultCache_Expiry(t *testing.T) {
	cache := NewMemoryResultCache(time.Millisecond)
	ctx := context.Background()
	key := KeyFor(candidateJob(uuid.New(), uuid.New()))

	require.NoError(t, cache.Put(ctx, key, &models.ImpactGraph{}))
	time.Sleep(5 * time.Millisecond)

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}
